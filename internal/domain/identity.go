package domain

import "strings"

// Identity: единожды разрешенная личность участника. Создается Identity Resolver'ом
// и передается по всей логике управления вместо сырых строк смешанного вида.
type Identity struct {
	Address string `json:"address,omitempty"` // адрес кошелька
	Name    string `json:"name,omitempty"`    // отображаемое имя (может быть неизвестно)
}

// UserSubjectPrefix помечает субъект консоли без кошелька: это user_id, а не отображаемое имя.
const UserSubjectPrefix = "user:"

func UserSubject(userID string) string {
	return UserSubjectPrefix + userID
}

func IsUserSubject(s string) bool {
	return strings.HasPrefix(s, UserSubjectPrefix)
}

// LooksLikeAddress: эвристика по префиксу "0x". Это временная мера, а не гарантия:
// настоящая проверка требует справочника адресов.
func LooksLikeAddress(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
}

// Known: есть хоть какой-то идентификатор.
func (i Identity) Known() bool {
	return i.Address != "" || i.Name != ""
}

// Key: форма, в которой личность записывается, если подходящей записи в ростере нет.
func (i Identity) Key() string {
	if i.Name != "" {
		return i.Name
	}
	return strings.ToLower(i.Address)
}

// Matches сравнивает личность с записью ростера: адреса без учета регистра, имена точно.
func (i Identity) Matches(entry string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if LooksLikeAddress(entry) {
		return i.Address != "" && strings.EqualFold(entry, i.Address)
	}
	return i.Name != "" && entry == i.Name
}

// EntryIn возвращает запись ростера, которой соответствует личность.
func (i Identity) EntryIn(roster []string) (string, bool) {
	for _, entry := range roster {
		if i.Matches(entry) {
			return entry, true
		}
	}
	return "", false
}

// In: личность присутствует в ростере.
func (i Identity) In(roster []string) bool {
	_, ok := i.EntryIn(roster)
	return ok
}

func (i Identity) String() string {
	switch {
	case i.Name != "" && i.Address != "":
		return i.Name + " (" + i.Address + ")"
	case i.Name != "":
		return i.Name
	default:
		return i.Address
	}
}

// NameOnly: ростер непуст и целиком состоит из отображаемых имен.
func NameOnly(roster []string) bool {
	if len(roster) == 0 {
		return false
	}
	for _, entry := range roster {
		if LooksLikeAddress(entry) {
			return false
		}
	}
	return true
}
