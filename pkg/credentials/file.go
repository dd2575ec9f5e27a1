package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/raterudder/octosync/pkg/log"
)

// EncryptedFile is a Provider backed by an AES-256-GCM encrypted JSON file.
// A missing file behaves like an empty set of credentials.
type EncryptedFile struct {
	path string
	key  []byte

	mu     sync.Mutex
	loaded bool
	creds  Credentials
}

// NewEncryptedFile returns an EncryptedFile for path. key must be 32 bytes.
func NewEncryptedFile(path, key string) (*EncryptedFile, error) {
	if path == "" {
		return nil, errors.New("credentials file path is required")
	}
	if len(key) != 32 {
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}
	return &EncryptedFile{path: path, key: []byte(key)}, nil
}

func (f *EncryptedFile) APIKey(ctx context.Context) (string, error) {
	creds, err := f.Load(ctx)
	if err != nil {
		return "", err
	}
	return creds.APIKey, nil
}

func (f *EncryptedFile) AccountNumber(ctx context.Context) (string, error) {
	creds, err := f.Load(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccountNumber, nil
}

// Load reads and decrypts the file. The result is memoized until Save.
func (f *EncryptedFile) Load(ctx context.Context) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return f.creds, nil
	}

	encrypted, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Ctx(ctx).DebugContext(ctx, "credentials file does not exist", slog.String("path", f.path))
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials file: %w", err)
	}

	creds, err := f.decrypt(ctx, encrypted)
	if err != nil {
		return Credentials{}, err
	}
	f.creds = creds
	f.loaded = true
	return creds, nil
}

// Save encrypts creds and writes them to the file.
func (f *EncryptedFile) Save(ctx context.Context, creds Credentials) error {
	encrypted, err := f.encrypt(ctx, creds)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(f.path, encrypted, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	f.creds = creds
	f.loaded = true
	return nil
}

func (f *EncryptedFile) gcm(ctx context.Context) (cipher.AEAD, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

func (f *EncryptedFile) decrypt(ctx context.Context, encrypted []byte) (Credentials, error) {
	if len(encrypted) == 0 {
		return Credentials{}, nil
	}

	gcm, err := f.gcm(ctx)
	if err != nil {
		return Credentials{}, err
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal credentials", slog.Any("error", err))
		return Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (f *EncryptedFile) encrypt(ctx context.Context, creds Credentials) ([]byte, error) {
	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	gcm, err := f.gcm(ctx)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}
