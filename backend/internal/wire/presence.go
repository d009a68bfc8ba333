package wire

type PresenceRecord struct {
	UserID       string  `json:"user_id"`
	Username     string  `json:"username"`
	Color        string  `json:"color"`
	CurrentDocID *string `json:"current_doc_id"`
	OnlineAt     int64   `json:"online_at"`
}

type PresenceUpdate struct {
	DocID *string `json:"doc_id"`
}

type PresenceSync struct {
	Users []PresenceRecord `json:"users"`
}

func (p PresenceRecord) Ref() UserRef {
	return UserRef{UserID: p.UserID, Username: p.Username, Color: p.Color}
}

func StringPtr(s string) *string { return &s }

func Float64Ptr(f float64) *float64 { return &f }
