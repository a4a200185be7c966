package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// ConfigurationStore implementation

// LoadConfiguration parses the newest stored document.
func (s *Store) LoadConfiguration(ctx context.Context) (*pmode.Configuration, error) {
	var rec configurationRecord
	err := s.conn(ctx).Order("id DESC").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pmode.ErrConfigurationMissing
	}
	if err != nil {
		return nil, fmt.Errorf("loading PMode configuration: %w", err)
	}
	return storage.DecodeConfiguration(rec.Raw)
}

// PersistConfiguration stores raw and replaces the PMode tables with the
// content of cfg, in one transaction.
func (s *Store) PersistConfiguration(ctx context.Context, raw []byte, description string, cfg *pmode.Configuration) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		db := s.conn(ctx)
		if err := db.Create(&configurationRecord{Description: description, Raw: raw}).Error; err != nil {
			return fmt.Errorf("storing PMode configuration: %w", err)
		}
		for _, m := range pmodeModels() {
			if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return fmt.Errorf("clearing PMode tables: %w", err)
			}
		}
		return insertConfiguration(db, cfg)
	})
}

func insertConfiguration(db *gorm.DB, cfg *pmode.Configuration) error {
	var rows []interface{}
	for _, m := range cfg.Mpcs {
		rows = append(rows, &mpcRow{
			Name: m.Name, NameKey: fold(m.Name), QualifiedName: m.QualifiedName,
			Enabled: m.Enabled, IsDefault: m.Default,
			RetentionDownloaded: m.RetentionDownloaded, RetentionUndownloaded: m.RetentionUndownloaded,
		})
	}
	for _, r := range cfg.Roles {
		rows = append(rows, &roleRow{Name: r.Name, NameKey: fold(r.Name), Value: r.Value})
	}
	for _, p := range cfg.Parties {
		rows = append(rows, &partyRow{Name: p.Name, NameKey: fold(p.Name), Endpoint: p.Endpoint})
		for _, id := range p.Identifiers {
			rows = append(rows, &identifierRow{
				PartyName: p.Name, PartyKey: fold(p.Name),
				PartyID: id.PartyID, ValueKey: fold(id.PartyID),
				TypeName: id.PartyIDTypeName, TypeValue: id.TypeValue(),
			})
		}
	}
	for _, a := range cfg.Agreements {
		rows = append(rows, &agreementRow{Name: a.Name, NameKey: fold(a.Name), Value: a.Value, Type: a.Type})
	}
	for _, sv := range cfg.Services {
		rows = append(rows, &serviceRow{Name: sv.Name, NameKey: fold(sv.Name), Value: sv.Value, ValueKey: fold(sv.Value), Type: sv.Type})
	}
	for _, a := range cfg.Actions {
		rows = append(rows, &actionRow{Name: a.Name, NameKey: fold(a.Name), Value: a.Value, ValueKey: fold(a.Value)})
	}
	for _, sec := range cfg.Securities {
		rows = append(rows, &securityRow{Name: sec.Name, NameKey: fold(sec.Name), Policy: sec.Policy, SignatureMethod: sec.SignatureMethod})
	}
	for _, ra := range cfg.ReceptionAwareness {
		rows = append(rows, &receptionAwarenessRow{
			Name: ra.Name, NameKey: fold(ra.Name),
			RetryTimeout: ra.RetryTimeout, RetryCount: ra.RetryCount,
			Strategy: string(ra.Strategy), DuplicateDetection: ra.DuplicateDetection,
		})
	}
	for _, l := range cfg.Legs {
		rows = append(rows, &legRow{
			Name: l.Name, NameKey: fold(l.Name),
			ServiceName: l.ServiceName, ServiceKey: fold(l.ServiceName),
			ActionName: l.ActionName, ActionKey: fold(l.ActionName),
			DefaultMpcName: l.DefaultMpcName, DefaultMpcKey: fold(l.DefaultMpcName),
			MpcQualifiedName:       l.MpcQualifiedName(),
			SecurityName:           l.SecurityName,
			ReceptionAwarenessName: l.ReceptionAwarenessName,
			CompressPayloads:       l.CompressPayloads,
		})
	}
	for _, p := range cfg.Processes {
		pk := fold(p.Name)
		rows = append(rows, &processRow{
			Name: p.Name, NameKey: pk,
			AgreementName: p.AgreementName, AgreementKey: fold(p.AgreementName),
			AgreementEmpty:    p.Agreement != nil && p.Agreement.Value == "",
			MepName:           p.MepName,
			BindingName:       p.BindingName,
			InitiatorRoleName: p.InitiatorRoleName,
			ResponderRoleName: p.ResponderRoleName,
			Pull:              p.IsPull(),
		})
		for _, n := range p.InitiatorNames {
			rows = append(rows, &processPartyRow{ProcessKey: pk, PartyName: n, PartyKey: fold(n), Side: sideInitiator})
		}
		for _, n := range p.ResponderNames {
			rows = append(rows, &processPartyRow{ProcessKey: pk, PartyName: n, PartyKey: fold(n), Side: sideResponder})
		}
		for _, n := range p.LegNames {
			rows = append(rows, &processLegRow{ProcessKey: pk, LegName: n, LegKey: fold(n)})
		}
	}
	for _, r := range rows {
		if err := db.Create(r).Error; err != nil {
			return fmt.Errorf("storing PMode tables: %w", err)
		}
	}
	return nil
}

// ConfigurationExists reports whether any document was stored.
func (s *Store) ConfigurationExists(ctx context.Context) (bool, error) {
	var n int64
	if err := s.conn(ctx).Model(&configurationRecord{}).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListConfigurations returns the stored documents, newest first.
func (s *Store) ListConfigurations(ctx context.Context, limit int) ([]storage.ConfigurationInfo, error) {
	var recs []configurationRecord
	q := s.conn(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]storage.ConfigurationInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, storage.ConfigurationInfo{
			ID:          strconv.FormatUint(uint64(r.ID), 10),
			Description: r.Description,
			Size:        len(r.Raw),
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// Querier implementation. Lookups return zero values when nothing
// matches; the first row in document order wins.

// first loads the first row matching query into dst and reports whether
// there was one.
func first(db *gorm.DB, dst interface{}, query string, args ...interface{}) (bool, error) {
	err := db.Where(query, args...).Order("id").Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// AgreementName returns the name of the agreement with value and type.
func (s *Store) AgreementName(ctx context.Context, value, typ string) (string, error) {
	var row agreementRow
	ok, err := first(s.conn(ctx), &row, "value = ? AND type = ?", value, typ)
	if !ok {
		return "", err
	}
	return row.Name, nil
}

// PartyNameByIdentifier returns the party owning the identifier.
func (s *Store) PartyNameByIdentifier(ctx context.Context, value, typ string) (string, error) {
	var row identifierRow
	ok, err := first(s.conn(ctx), &row, "value_key = ? AND type_value = ?", fold(value), typ)
	if !ok {
		return "", err
	}
	return row.PartyName, nil
}

// ServiceName returns the name of the service with value and type.
func (s *Store) ServiceName(ctx context.Context, value, typ string) (string, error) {
	var row serviceRow
	ok, err := first(s.conn(ctx), &row, "value_key = ? AND type = ?", fold(value), typ)
	if !ok {
		return "", err
	}
	return row.Name, nil
}

// ActionName returns the name of the action with value.
func (s *Store) ActionName(ctx context.Context, value string) (string, error) {
	var row actionRow
	ok, err := first(s.conn(ctx), &row, "value_key = ?", fold(value))
	if !ok {
		return "", err
	}
	return row.Name, nil
}

type candidateRow struct {
	Leg     string
	Process string
	Pull    bool
	Mpc     string
}

// LegCandidates joins processes, their parties and legs.
func (s *Store) LegCandidates(ctx context.Context, q pmode.LegQuery, ignoreAgreement bool) ([]pmode.LegCandidate, error) {
	db := s.conn(ctx).Table("pmode_processes AS p").
		Select("l.name AS leg, p.name AS process, p.pull AS pull, l.mpc_qualified_name AS mpc").
		Joins("JOIN pmode_process_legs pl ON pl.process_key = p.name_key").
		Joins("JOIN pmode_legs l ON l.name_key = pl.leg_key").
		Joins("JOIN pmode_process_parties pi ON pi.process_key = p.name_key AND pi.side = ? AND pi.party_key = ?", sideInitiator, fold(q.Initiator)).
		Joins("JOIN pmode_process_parties pr ON pr.process_key = p.name_key AND pr.side = ? AND pr.party_key = ?", sideResponder, fold(q.Responder)).
		Where("l.service_key = ? AND l.action_key = ?", fold(q.Service), fold(q.Action))
	if !ignoreAgreement {
		if q.Agreement == pmode.OptionalAndEmpty {
			db = db.Where("(p.agreement_key = '' OR p.agreement_empty = ?)", true)
		} else {
			db = db.Where("p.agreement_key <> '' AND p.agreement_key = ?", fold(q.Agreement))
		}
	}
	if q.Mpc != "" {
		db = db.Where("((l.mpc_qualified_name <> '' AND l.mpc_qualified_name = ?) OR l.default_mpc_key = ?)", q.Mpc, fold(q.Mpc))
	}

	var rows []candidateRow
	if err := db.Order("p.id, pl.id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying leg candidates: %w", err)
	}
	out := make([]pmode.LegCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, pmode.LegCandidate{Leg: r.Leg, Process: r.Process, Pull: r.Pull, Mpc: r.Mpc})
	}
	return out, nil
}

// Leg returns the named leg with its references filled in.
func (s *Store) Leg(ctx context.Context, name string) (*pmode.LegConfiguration, error) {
	db := s.conn(ctx)
	var row legRow
	if ok, err := first(db, &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	leg := &pmode.LegConfiguration{
		Name:                   row.Name,
		ServiceName:            row.ServiceName,
		ActionName:             row.ActionName,
		DefaultMpcName:         row.DefaultMpcName,
		SecurityName:           row.SecurityName,
		ReceptionAwarenessName: row.ReceptionAwarenessName,
		CompressPayloads:       row.CompressPayloads,
	}
	var err error
	if leg.Service, err = s.Service(ctx, row.ServiceName); err != nil {
		return nil, err
	}
	if leg.Action, err = s.Action(ctx, row.ActionName); err != nil {
		return nil, err
	}
	if leg.DefaultMpc, err = s.MpcByName(ctx, row.DefaultMpcName); err != nil {
		return nil, err
	}
	var sec securityRow
	if ok, err := first(db, &sec, "name_key = ?", fold(row.SecurityName)); err != nil {
		return nil, err
	} else if ok {
		leg.Security = &pmode.Security{Name: sec.Name, Policy: sec.Policy, SignatureMethod: sec.SignatureMethod}
	}
	var ra receptionAwarenessRow
	if ok, err := first(db, &ra, "name_key = ?", fold(row.ReceptionAwarenessName)); err != nil {
		return nil, err
	} else if ok {
		leg.ReceptionAwareness = &pmode.ReceptionAwareness{
			Name:               ra.Name,
			RetryTimeout:       ra.RetryTimeout,
			RetryCount:         ra.RetryCount,
			Strategy:           pmode.RetryStrategy(ra.Strategy),
			DuplicateDetection: ra.DuplicateDetection,
		}
	}
	return leg, nil
}

// Party returns the named party with its identifiers.
func (s *Store) Party(ctx context.Context, name string) (*pmode.Party, error) {
	db := s.conn(ctx)
	var row partyRow
	if ok, err := first(db, &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	var ids []identifierRow
	if err := db.Where("party_key = ?", row.NameKey).Order("id").Find(&ids).Error; err != nil {
		return nil, err
	}
	party := &pmode.Party{Name: row.Name, Endpoint: row.Endpoint}
	for _, id := range ids {
		ident := &pmode.Identifier{PartyID: id.PartyID, PartyIDTypeName: id.TypeName}
		if id.TypeName != "" {
			ident.PartyIDType = &pmode.PartyIDType{Name: id.TypeName, Value: id.TypeValue}
		}
		party.Identifiers = append(party.Identifiers, ident)
	}
	return party, nil
}

// Service returns the named service.
func (s *Store) Service(ctx context.Context, name string) (*pmode.Service, error) {
	var row serviceRow
	if ok, err := first(s.conn(ctx), &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	return &pmode.Service{Name: row.Name, Value: row.Value, Type: row.Type}, nil
}

// Action returns the named action.
func (s *Store) Action(ctx context.Context, name string) (*pmode.Action, error) {
	var row actionRow
	if ok, err := first(s.conn(ctx), &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	return &pmode.Action{Name: row.Name, Value: row.Value}, nil
}

// Agreement returns the named agreement.
func (s *Store) Agreement(ctx context.Context, name string) (*pmode.Agreement, error) {
	var row agreementRow
	if ok, err := first(s.conn(ctx), &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	return &pmode.Agreement{Name: row.Name, Value: row.Value, Type: row.Type}, nil
}

// RoleByValue returns the role with the given value.
func (s *Store) RoleByValue(ctx context.Context, value string) (*pmode.Role, error) {
	var row roleRow
	if ok, err := first(s.conn(ctx), &row, "value = ?", value); !ok {
		return nil, err
	}
	return &pmode.Role{Name: row.Name, Value: row.Value}, nil
}

// MpcByName returns the MPC with the given name.
func (s *Store) MpcByName(ctx context.Context, name string) (*pmode.Mpc, error) {
	var row mpcRow
	if ok, err := first(s.conn(ctx), &row, "name_key = ?", fold(name)); !ok {
		return nil, err
	}
	return row.mpc(), nil
}

// MpcByQualifiedName returns the MPC with the given qualified name.
func (s *Store) MpcByQualifiedName(ctx context.Context, qualifiedName string) (*pmode.Mpc, error) {
	var row mpcRow
	if ok, err := first(s.conn(ctx), &row, "qualified_name = ?", qualifiedName); !ok {
		return nil, err
	}
	return row.mpc(), nil
}

func (r *mpcRow) mpc() *pmode.Mpc {
	return &pmode.Mpc{
		Name:                  r.Name,
		QualifiedName:         r.QualifiedName,
		Enabled:               r.Enabled,
		Default:               r.IsDefault,
		RetentionDownloaded:   r.RetentionDownloaded,
		RetentionUndownloaded: r.RetentionUndownloaded,
	}
}
