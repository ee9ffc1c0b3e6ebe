package validation

import (
	"fmt"
	"regexp"
)

// IdentifierPattern определяет допустимый формат client_id и device_id
// Латинские буквы, цифры, точка, дефис и нижнее подчеркивание
// Длина: 1-64 символа
var IdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// MaxIdentifierLen максимальная длина идентификатора
const MaxIdentifierLen = 64

// ValidateClientID проверяет идентификатор клиента, открывающего сессию.
// Идентификаторы попадают в changelog и логи, поэтому формат ограничен.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}
	if len(clientID) > MaxIdentifierLen {
		return fmt.Errorf("client_id must not exceed %d characters", MaxIdentifierLen)
	}
	if !IdentifierPattern.MatchString(clientID) {
		return fmt.Errorf("client_id can only contain letters, numbers, dots, hyphens and underscores")
	}
	return nil
}

// ValidateDeviceID проверяет идентификатор устройства.
// Пустое значение допустимо: не все клиенты сообщают устройство.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return nil
	}
	if len(deviceID) > MaxIdentifierLen {
		return fmt.Errorf("device_id must not exceed %d characters", MaxIdentifierLen)
	}
	if !IdentifierPattern.MatchString(deviceID) {
		return fmt.Errorf("device_id can only contain letters, numbers, dots, hyphens and underscores")
	}
	return nil
}
