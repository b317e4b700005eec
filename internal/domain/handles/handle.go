// Package handles — реестр авторизованных участников и разрешение уровня
// доверия автора сообщения. Два индекса (по имени без учёта регистра и по
// точному внешнему id) указывают на одну и ту же запись; рантайм-изменения
// сохраняются в bbolt и переживают рестарт.
package handles

import (
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
)

// Policy — политика исполнения команд участника.
type Policy string

const (
	// PolicyInstant — команды исполняются немедленно, без подтверждения.
	PolicyInstant Policy = "instant-execute"
	// PolicyConfirm — команды требуют подтверждения (таймер или blessing).
	PolicyConfirm Policy = "confirm-first"
)

// Valid сообщает, известна ли политика.
func (p Policy) Valid() bool {
	return p == PolicyInstant || p == PolicyConfirm
}

// Tier — уровень доверия автора, потребляемый контуром управления.
type Tier string

const (
	TierAdmin   Tier = "admin"
	TierTrusted Tier = "trusted"
	TierGeneral Tier = "general"
)

// RoomScope — область действия записи: все комнаты либо явный набор имён.
// В JSON сериализуется как строка "all" или массив имён.
type RoomScope struct {
	All   bool
	Names []string
}

// AllRooms — область «все комнаты».
func AllRooms() RoomScope { return RoomScope{All: true} }

// RoomSet — область из перечисленных комнат.
func RoomSet(names ...string) RoomScope { return RoomScope{Names: names} }

// Contains сообщает, входит ли комната в область.
func (s RoomScope) Contains(room string) bool {
	if s.All {
		return true
	}
	for _, name := range s.Names {
		if name == room {
			return true
		}
	}
	return false
}

// MarshalJSON сериализует область как "all" либо массив имён.
func (s RoomScope) MarshalJSON() ([]byte, error) {
	if s.All {
		return json.Marshal("all")
	}
	return json.Marshal(s.Names)
}

// UnmarshalJSON принимает строку "all" либо массив имён комнат.
func (s *RoomScope) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if !strings.EqualFold(str, "all") {
			return errors.New("rooms: unknown scope " + str)
		}
		*s = RoomScope{All: true}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return errors.Wrap(err, "rooms scope")
	}
	*s = RoomScope{Names: names}
	return nil
}

// Handle — запись авторизованного участника.
type Handle struct {
	Username   string    `json:"username"`
	ExternalID string    `json:"external_id,omitempty"`
	Policy     Policy    `json:"policy"`
	Rooms      RoomScope `json:"rooms"`
}

// normalizeName приводит имя к ключу индекса.
func normalizeName(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
