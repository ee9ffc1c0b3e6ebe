// Package checksum вычисляет content hash для payload'ов синхронизации.
// Два payload с одинаковым содержимым, но разным порядком ключей
// дают одинаковый hash.
package checksum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Sum возвращает BLAKE2b-256 hash канонической JSON-сериализации payload.
// encoding/json сериализует map с сортированными ключами на всех уровнях
// вложенности, поэтому порядок ключей исходного payload не влияет на hash.
func Sum(payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	h := blake2b.Sum256(canonical)
	return hex.EncodeToString(h[:]), nil
}

// SumBytes возвращает BLAKE2b-256 hash произвольных байт (hex-encoded).
func SumBytes(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Equal сравнивает два payload по их content hash.
func Equal(a, b map[string]any) (bool, error) {
	sumA, err := Sum(a)
	if err != nil {
		return false, err
	}
	sumB, err := Sum(b)
	if err != nil {
		return false, err
	}
	return sumA == sumB, nil
}
