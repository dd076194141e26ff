package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// ClearMemory затирает ключ после использования
func ClearMemory(data []byte) {
	clear(data)
}

// GenerateRandomBytes случайные байты для соли и nonce
func GenerateRandomBytes(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("ошибка генерации случайных байт: %w", err)
	}
	return buf, nil
}
