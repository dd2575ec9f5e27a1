package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/octosync/pkg/log"
	"github.com/raterudder/octosync/pkg/types"
)

const (
	seriesKindRate        = "rate"
	seriesKindConsumption = "consumption"
)

// openEnd is stored as the end of open-ended records so range filters on end
// keep working.
var openEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// FirestoreDatabase implements Database using Google Cloud Firestore. Each
// series is a document in "series" with its records in a "records"
// subcollection keyed by the record id.
type FirestoreDatabase struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreDatabase {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreDatabase{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreDatabase) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreDatabase) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreDatabase) seriesDoc(kind, key string) (*firestore.DocumentRef, error) {
	if key == "" {
		return nil, errors.New("series key cannot be empty")
	}
	return f.client.Collection("series").Doc(kind + ":" + key), nil
}

func (f *FirestoreDatabase) GetRates(ctx context.Context, tariffCode string, period types.Period) ([]types.Rate, error) {
	return queryRecords[types.Rate](ctx, f, seriesKindRate, tariffCode, period)
}

func (f *FirestoreDatabase) UpsertRates(ctx context.Context, rates []types.Rate) error {
	return upsertRecords(ctx, f, seriesKindRate, rates)
}

func (f *FirestoreDatabase) GetConsumption(ctx context.Context, seriesKey string, period types.Period) ([]types.Consumption, error) {
	return queryRecords[types.Consumption](ctx, f, seriesKindConsumption, seriesKey, period)
}

func (f *FirestoreDatabase) UpsertConsumption(ctx context.Context, readings []types.Consumption) error {
	return upsertRecords(ctx, f, seriesKindConsumption, readings)
}

// queryRecords filters on end in Firestore and on start in memory since a
// single query can only range over one field.
func queryRecords[T types.TimeSeriesRecord](ctx context.Context, f *FirestoreDatabase, kind, key string, period types.Period) ([]T, error) {
	doc, err := f.seriesDoc(kind, key)
	if err != nil {
		return nil, err
	}
	iter := doc.Collection("records").
		Where("end", ">", period.From).
		OrderBy("end", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []T
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating %s records: %w", kind, err)
		}

		val, err := snap.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "record doc missing json", slog.String("docID", snap.Ref.ID), slog.String("series", doc.ID), slog.Any("err", err))
			return nil, fmt.Errorf("record %s missing 'json' field: %w", snap.Ref.ID, err)
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "record doc json not string", slog.String("docID", snap.Ref.ID), slog.String("series", doc.ID))
			return nil, fmt.Errorf("record %s 'json' field is not string", snap.Ref.ID)
		}

		var r T
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal record", slog.String("docID", snap.Ref.ID), slog.String("series", doc.ID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal record (id=%s): %w", snap.Ref.ID, err)
		}
		if start, _ := r.Interval(); !start.Before(period.To) {
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		si, _ := records[i].Interval()
		sj, _ := records[j].Interval()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return records[i].RecordID() < records[j].RecordID()
	})
	return records, nil
}

// upsertRecords writes records with a BulkWriter. Records with the same series
// and RecordID replace each other since the RecordID is the document ID.
func upsertRecords[T types.TimeSeriesRecord](ctx context.Context, f *FirestoreDatabase, kind string, records []T) error {
	if len(records) == 0 {
		return nil
	}

	// a BulkWriter rejects two writes to the same document so the last record
	// for an id wins here
	type write struct {
		ref  *firestore.DocumentRef
		data map[string]interface{}
	}
	var writes []write
	index := make(map[string]int)
	queueWrite := func(ref *firestore.DocumentRef, data map[string]interface{}) {
		if i, ok := index[ref.Path]; ok {
			writes[i].data = data
			return
		}
		index[ref.Path] = len(writes)
		writes = append(writes, write{ref: ref, data: data})
	}

	for _, r := range records {
		doc, err := f.seriesDoc(kind, r.SeriesKey())
		if err != nil {
			return err
		}
		queueWrite(doc, map[string]interface{}{
			"kind": kind,
			"key":  r.SeriesKey(),
		})

		start, end := r.Interval()
		if start.IsZero() {
			return fmt.Errorf("%s record missing start", kind)
		}
		if end.IsZero() {
			end = openEnd
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", kind, err)
		}
		queueWrite(doc.Collection("records").Doc(r.RecordID()), map[string]interface{}{
			"json":  string(jsonBytes),
			"start": start,
			"end":   end,
		})
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(writes))
	for _, w := range writes {
		job, err := bw.Set(w.ref, w.data)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue write for %s: %w", w.ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert %s records: %w", kind, err)
		}
	}
	return nil
}

// Clear deletes every series and its records.
func (f *FirestoreDatabase) Clear(ctx context.Context) error {
	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	queue := func(refs *firestore.DocumentRefIterator) error {
		for {
			ref, err := refs.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			job, err := bw.Delete(ref)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
	}

	series := f.client.Collection("series").DocumentRefs(ctx)
	for {
		ref, err := series.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("error iterating series: %w", err)
		}
		if err := queue(ref.Collection("records").DocumentRefs(ctx)); err != nil {
			bw.End()
			return fmt.Errorf("failed to queue deletes for series %s: %w", ref.ID, err)
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete for series %s: %w", ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to clear series: %w", err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "cleared firestore series", slog.Int("docs", len(jobs)))
	return nil
}
