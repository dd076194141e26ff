package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Параметры Argon2id для вывода ключа из пароля
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32 // AES-256

	saltLength = 16
	tagLength  = 16
)

var (
	ErrEmptyPassword = errors.New("пароль не может быть пустым")
	ErrDecrypt       = errors.New("ошибка расшифровки")
)

// Envelope результат шифрования: шифротекст и параметры для расшифровки.
// Все поля закодированы в base64.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
}

// Encryptor шифрует данные паролем
type Encryptor interface {
	Encrypt(plaintext []byte, password string) (*Envelope, error)
	Decrypt(env *Envelope, password string) ([]byte, error)
}

// KeyParams параметры вывода ключа
type KeyParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKeyParams возвращает параметры Argon2id по умолчанию
func DefaultKeyParams() KeyParams {
	return KeyParams{
		Time:    argon2Time,
		Memory:  argon2Memory,
		Threads: argon2Threads,
	}
}

// AESEncryptor AES-256-GCM с ключом, выведенным через Argon2id
type AESEncryptor struct {
	params KeyParams
}

// NewAESEncryptor создает шифровальщик с заданными параметрами
func NewAESEncryptor(params KeyParams) *AESEncryptor {
	return &AESEncryptor{params: params}
}

// Encrypt шифрует данные паролем, соль и nonce генерируются заново на каждый вызов
func (e *AESEncryptor) Encrypt(plaintext []byte, password string) (*Envelope, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	salt, err := GenerateRandomBytes(saltLength)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации соли: %w", err)
	}

	key := e.deriveKey(password, salt)
	defer ClearMemory(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return &Envelope{
		Encrypted: EncodeBase64(body),
		Salt:      EncodeBase64(salt),
		IV:        EncodeBase64(nonce),
		Tag:       EncodeBase64(tag),
	}, nil
}

// Decrypt расшифровывает конверт, неверный пароль или поврежденные данные дают ErrDecrypt
func (e *AESEncryptor) Decrypt(env *Envelope, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if env == nil {
		return nil, fmt.Errorf("%w: пустой конверт", ErrDecrypt)
	}

	salt, err := DecodeBase64(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: соль: %v", ErrDecrypt, err)
	}
	nonce, err := DecodeBase64(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	tag, err := DecodeBase64(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrDecrypt, err)
	}
	body, err := DecodeBase64(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: данные: %v", ErrDecrypt, err)
	}

	key := e.deriveKey(password, salt)
	defer ClearMemory(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: неверная длина iv", ErrDecrypt)
	}

	plaintext, err := gcm.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func (e *AESEncryptor) deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, e.params.Time, e.params.Memory, e.params.Threads, argon2KeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM: %w", err)
	}
	return gcm, nil
}

// EncodeBase64 кодирует байты в base64
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 декодирует строку base64
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
