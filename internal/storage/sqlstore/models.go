package sqlstore

import (
	"strings"
	"time"
)

// AllModels returns the GORM models for migration.
func AllModels() []interface{} {
	models := []interface{}{&configurationRecord{}}
	models = append(models, pmodeModels()...)
	return append(models,
		&userMessageLogRow{},
		&messagingLockRow{},
		&messageAttemptRow{},
		&payloadRow{},
	)
}

// pmodeModels are the tables rewritten on every upload.
func pmodeModels() []interface{} {
	return []interface{}{
		&mpcRow{},
		&roleRow{},
		&partyRow{},
		&identifierRow{},
		&agreementRow{},
		&serviceRow{},
		&actionRow{},
		&securityRow{},
		&receptionAwarenessRow{},
		&legRow{},
		&processRow{},
		&processPartyRow{},
		&processLegRow{},
	}
}

// fold is the lookup key of a case-insensitive name.
func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type configurationRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Description string `gorm:"size:512"`
	Raw         []byte
	CreatedAt   time.Time
}

func (configurationRecord) TableName() string { return "pmode_configurations" }

// The pmode_* tables below hold the normalized copy of the current
// document. Rows are inserted in document order, so ordering by id keeps
// the first-wins rule of duplicated names. *Key columns hold fold(name).

type mpcRow struct {
	ID                    uint   `gorm:"primaryKey"`
	Name                  string `gorm:"size:255"`
	NameKey               string `gorm:"size:255;index"`
	QualifiedName         string `gorm:"size:512;index"`
	Enabled               bool
	IsDefault             bool
	RetentionDownloaded   int
	RetentionUndownloaded int
}

func (mpcRow) TableName() string { return "pmode_mpcs" }

type roleRow struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:255"`
	NameKey string `gorm:"size:255;index"`
	Value   string `gorm:"size:512;index"`
}

func (roleRow) TableName() string { return "pmode_roles" }

type partyRow struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"size:255"`
	NameKey  string `gorm:"size:255;index"`
	Endpoint string `gorm:"size:1024"`
}

func (partyRow) TableName() string { return "pmode_parties" }

type identifierRow struct {
	ID        uint   `gorm:"primaryKey"`
	PartyName string `gorm:"size:255"`
	PartyKey  string `gorm:"size:255;index"`
	PartyID   string `gorm:"size:512"`
	ValueKey  string `gorm:"size:512;index"`
	TypeName  string `gorm:"size:255"`
	TypeValue string `gorm:"size:512"`
}

func (identifierRow) TableName() string { return "pmode_identifiers" }

type agreementRow struct {
	ID      uint   `gorm:"primaryKey"`
	Name    string `gorm:"size:255"`
	NameKey string `gorm:"size:255;index"`
	Value   string `gorm:"size:512"`
	Type    string `gorm:"size:512"`
}

func (agreementRow) TableName() string { return "pmode_agreements" }

type serviceRow struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"size:255"`
	NameKey  string `gorm:"size:255;index"`
	Value    string `gorm:"size:512"`
	ValueKey string `gorm:"size:512;index"`
	Type     string `gorm:"size:512"`
}

func (serviceRow) TableName() string { return "pmode_services" }

type actionRow struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"size:255"`
	NameKey  string `gorm:"size:255;index"`
	Value    string `gorm:"size:512"`
	ValueKey string `gorm:"size:512;index"`
}

func (actionRow) TableName() string { return "pmode_actions" }

type securityRow struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"size:255"`
	NameKey         string `gorm:"size:255;index"`
	Policy          string `gorm:"size:512"`
	SignatureMethod string `gorm:"size:255"`
}

func (securityRow) TableName() string { return "pmode_securities" }

type receptionAwarenessRow struct {
	ID                 uint   `gorm:"primaryKey"`
	Name               string `gorm:"size:255"`
	NameKey            string `gorm:"size:255;index"`
	RetryTimeout       int
	RetryCount         int
	Strategy           string `gorm:"size:32"`
	DuplicateDetection bool
}

func (receptionAwarenessRow) TableName() string { return "pmode_reception_awareness" }

type legRow struct {
	ID                     uint   `gorm:"primaryKey"`
	Name                   string `gorm:"size:255"`
	NameKey                string `gorm:"size:255;index"`
	ServiceName            string `gorm:"size:255"`
	ServiceKey             string `gorm:"size:255;index"`
	ActionName             string `gorm:"size:255"`
	ActionKey              string `gorm:"size:255;index"`
	DefaultMpcName         string `gorm:"size:255"`
	DefaultMpcKey          string `gorm:"size:255"`
	MpcQualifiedName       string `gorm:"size:512"`
	SecurityName           string `gorm:"size:255"`
	ReceptionAwarenessName string `gorm:"size:255"`
	CompressPayloads       bool
}

func (legRow) TableName() string { return "pmode_legs" }

type processRow struct {
	ID                uint   `gorm:"primaryKey"`
	Name              string `gorm:"size:255"`
	NameKey           string `gorm:"size:255;index"`
	AgreementName     string `gorm:"size:255"`
	AgreementKey      string `gorm:"size:255;index"`
	AgreementEmpty    bool
	MepName           string `gorm:"size:255"`
	BindingName       string `gorm:"size:255"`
	InitiatorRoleName string `gorm:"size:255"`
	ResponderRoleName string `gorm:"size:255"`
	Pull              bool
}

func (processRow) TableName() string { return "pmode_processes" }

const (
	sideInitiator = "initiator"
	sideResponder = "responder"
)

type processPartyRow struct {
	ID         uint   `gorm:"primaryKey"`
	ProcessKey string `gorm:"size:255;index"`
	PartyName  string `gorm:"size:255"`
	PartyKey   string `gorm:"size:255;index"`
	Side       string `gorm:"size:16"`
}

func (processPartyRow) TableName() string { return "pmode_process_parties" }

type processLegRow struct {
	ID         uint   `gorm:"primaryKey"`
	ProcessKey string `gorm:"size:255;index"`
	LegName    string `gorm:"size:255"`
	LegKey     string `gorm:"size:255;index"`
}

func (processLegRow) TableName() string { return "pmode_process_legs" }

type userMessageLogRow struct {
	MessageID          string `gorm:"primaryKey;size:255"`
	PModeKey           string `gorm:"column:pmode_key;size:1024"`
	Mpc                string `gorm:"size:512"`
	Status             string `gorm:"size:32;index:idx_log_retry,priority:1;index:idx_log_stale,priority:1"`
	NotificationStatus string `gorm:"size:16"`
	SendAttempts       int
	SendAttemptsMax    int
	TestMessage        bool
	Received           time.Time
	NextAttempt        *time.Time `gorm:"index:idx_log_retry,priority:2"`
	Enqueued           *time.Time `gorm:"index:idx_log_stale,priority:2"`
	Acknowledged       *time.Time
	Failed             *time.Time
	Deleted            *time.Time
}

func (userMessageLogRow) TableName() string { return "user_message_logs" }

type messagingLockRow struct {
	MessageID       string `gorm:"primaryKey;size:255"`
	Mpc             string `gorm:"size:512;index:idx_lock_pull,priority:1"`
	Initiator       string `gorm:"size:255;index:idx_lock_pull,priority:2"`
	State           string `gorm:"size:32;index:idx_lock_pull,priority:3"`
	SendAttempts    int
	SendAttemptsMax int
	Received        time.Time
	NextAttempt     time.Time
	Staled          time.Time `gorm:"index"`
}

func (messagingLockRow) TableName() string { return "messaging_locks" }

type messageAttemptRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"size:255;index"`
	Started   time.Time
	Ended     time.Time
	Status    string `gorm:"size:16"`
	Error     string `gorm:"type:text"`
}

func (messageAttemptRow) TableName() string { return "message_attempts" }

type payloadRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"size:255;index"`
	ContentID string `gorm:"size:255"`
	MimeType  string `gorm:"size:255"`
	Data      []byte
	Checksum  string `gorm:"size:64"`
	CreatedAt time.Time
}

func (payloadRow) TableName() string { return "message_payloads" }
