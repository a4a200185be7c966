package pmode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/mep"
)

// elementSchema lists the attributes an element may carry. Elements with
// opaque set are accepted with any content and not interpreted.
type elementSchema struct {
	required []string
	optional []string
	opaque   bool
}

var schema = map[string]elementSchema{
	"configuration":      {required: []string{"party"}},
	"mpcs":               {},
	"mpc":                {required: []string{"name", "qualifiedName"}, optional: []string{"enabled", "default", "retention_downloaded", "retention_undownloaded", "retention_sent", "delete_message_metadata", "max_batch_delete", "retention_metadata_offset"}},
	"businessProcesses":  {optional: []string{"name"}},
	"roles":              {},
	"role":               {required: []string{"name", "value"}},
	"parties":            {},
	"partyIdTypes":       {},
	"partyIdType":        {required: []string{"name", "value"}},
	"party":              {required: []string{"name"}, optional: []string{"endpoint", "allowChainedDelivery"}},
	"identifier":         {required: []string{"partyId"}, optional: []string{"partyIdType"}},
	"meps":               {},
	"mep":                {required: []string{"name", "value"}, optional: []string{"legs"}},
	"binding":            {required: []string{"name", "value"}},
	"securities":         {},
	"security":           {required: []string{"name", "policy"}, optional: []string{"signatureMethod", "profile"}},
	"agreements":         {},
	"agreement":          {required: []string{"name", "value"}, optional: []string{"type"}},
	"services":           {},
	"service":            {required: []string{"name", "value"}, optional: []string{"type"}},
	"actions":            {},
	"action":             {required: []string{"name", "value"}},
	"as4":                {},
	"receptionAwareness": {required: []string{"name", "retry"}, optional: []string{"duplicateDetection"}},
	"legConfigurations":  {},
	"legConfiguration":   {required: []string{"name", "service", "action", "defaultMpc"}, optional: []string{"security", "receptionAwareness", "reliability", "propertySet", "payloadProfile", "errorHandling", "compressPayloads", "splitting"}},
	"process":            {required: []string{"name", "mep", "binding"}, optional: []string{"agreement", "initiatorRole", "responderRole"}},
	"initiatorParties":   {},
	"initiatorParty":     {required: []string{"name"}},
	"responderParties":   {},
	"responderParty":     {required: []string{"name"}},
	"legs":               {},
	"leg":                {required: []string{"name"}},

	"properties":              {opaque: true},
	"payloadProfiles":         {opaque: true},
	"errorHandlings":          {opaque: true},
	"reliability":             {opaque: true},
	"splittingConfigurations": {opaque: true},
}

type parser struct {
	issues []ValidationIssue
}

func (p *parser) errorf(format string, args ...any) {
	p.issues = append(p.issues, ValidationIssue{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) attr(e *etree.Element, name string) string {
	return strings.TrimSpace(e.SelectAttrValue(name, ""))
}

func (p *parser) required(e *etree.Element, name string) string {
	v := p.attr(e, name)
	if v == "" {
		p.errorf("<%s> is missing attribute %q", e.Tag, name)
	}
	return v
}

func (p *parser) intAttr(e *etree.Element, name string, def int) int {
	v := p.attr(e, name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errorf("<%s name=%q> attribute %q is not an integer: %q", e.Tag, p.attr(e, "name"), name, v)
		return def
	}
	return n
}

func (p *parser) boolAttr(e *etree.Element, name string, def bool) bool {
	v := p.attr(e, name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errorf("<%s name=%q> attribute %q is not a boolean: %q", e.Tag, p.attr(e, "name"), name, v)
		return def
	}
	return b
}

// Parse reads a PMode document. The document is read leniently, with
// attribute values trimmed; any problem found that way is returned as a
// ConfigurationInvalidError. The returned issues are the warnings of the
// strict schema check, which never reject a document.
func Parse(raw []byte) (*Configuration, []ValidationIssue, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, nil, &ConfigurationInvalidError{Issues: []ValidationIssue{
			{Level: LevelError, Message: fmt.Sprintf("malformed XML: %v", err)},
		}}
	}
	root := doc.Root()
	if root == nil || root.Tag != "configuration" {
		return nil, nil, &ConfigurationInvalidError{Issues: []ValidationIssue{
			{Level: LevelError, Message: "root element must be <configuration>"},
		}}
	}

	p := &parser{}
	cfg := p.configuration(root)
	if len(p.issues) > 0 {
		return nil, nil, &ConfigurationInvalidError{Issues: p.issues}
	}
	cfg.Link()

	var warnings []ValidationIssue
	strictCheck(root, root.Tag, &warnings)
	return cfg, warnings, nil
}

func (p *parser) configuration(root *etree.Element) *Configuration {
	cfg := &Configuration{GatewayPartyName: p.required(root, "party")}

	if mpcs := root.SelectElement("mpcs"); mpcs != nil {
		for _, e := range mpcs.SelectElements("mpc") {
			cfg.Mpcs = append(cfg.Mpcs, &Mpc{
				Name:                  p.required(e, "name"),
				QualifiedName:         p.required(e, "qualifiedName"),
				Enabled:               p.boolAttr(e, "enabled", true),
				Default:               p.boolAttr(e, "default", false),
				RetentionDownloaded:   p.intAttr(e, "retention_downloaded", 0),
				RetentionUndownloaded: p.intAttr(e, "retention_undownloaded", -1),
			})
		}
	}

	bp := root.SelectElement("businessProcesses")
	if bp == nil {
		p.errorf("<configuration> has no <businessProcesses>")
		return cfg
	}

	if roles := bp.SelectElement("roles"); roles != nil {
		for _, e := range roles.SelectElements("role") {
			cfg.Roles = append(cfg.Roles, &Role{Name: p.required(e, "name"), Value: p.required(e, "value")})
		}
	}
	if parties := bp.SelectElement("parties"); parties != nil {
		if types := parties.SelectElement("partyIdTypes"); types != nil {
			for _, e := range types.SelectElements("partyIdType") {
				cfg.PartyIDTypes = append(cfg.PartyIDTypes, &PartyIDType{Name: p.required(e, "name"), Value: p.required(e, "value")})
			}
		}
		for _, e := range parties.SelectElements("party") {
			party := &Party{Name: p.required(e, "name"), Endpoint: p.attr(e, "endpoint")}
			for _, ie := range e.SelectElements("identifier") {
				party.Identifiers = append(party.Identifiers, &Identifier{
					PartyID:         p.required(ie, "partyId"),
					PartyIDTypeName: p.attr(ie, "partyIdType"),
				})
			}
			cfg.Parties = append(cfg.Parties, party)
		}
	}
	if meps := bp.SelectElement("meps"); meps != nil {
		for _, e := range meps.SelectElements("mep") {
			cfg.Meps = append(cfg.Meps, &Mep{
				Name:  p.required(e, "name"),
				Value: mep.MEPType(p.required(e, "value")),
				Legs:  p.intAttr(e, "legs", 1),
			})
		}
		for _, e := range meps.SelectElements("binding") {
			cfg.Bindings = append(cfg.Bindings, &Binding{
				Name:  p.required(e, "name"),
				Value: mep.MEPBinding(p.required(e, "value")),
			})
		}
	}
	if secs := bp.SelectElement("securities"); secs != nil {
		for _, e := range secs.SelectElements("security") {
			cfg.Securities = append(cfg.Securities, &Security{
				Name:            p.required(e, "name"),
				Policy:          p.required(e, "policy"),
				SignatureMethod: p.attr(e, "signatureMethod"),
			})
		}
	}
	if ags := bp.SelectElement("agreements"); ags != nil {
		for _, e := range ags.SelectElements("agreement") {
			cfg.Agreements = append(cfg.Agreements, &Agreement{
				Name: p.required(e, "name"),
				// an agreement may legitimately have an empty value
				Value: p.attr(e, "value"),
				Type:  p.attr(e, "type"),
			})
		}
	}
	if svcs := bp.SelectElement("services"); svcs != nil {
		for _, e := range svcs.SelectElements("service") {
			cfg.Services = append(cfg.Services, &Service{
				Name:  p.required(e, "name"),
				Value: p.required(e, "value"),
				Type:  p.attr(e, "type"),
			})
		}
	}
	if acts := bp.SelectElement("actions"); acts != nil {
		for _, e := range acts.SelectElements("action") {
			cfg.Actions = append(cfg.Actions, &Action{Name: p.required(e, "name"), Value: p.required(e, "value")})
		}
	}
	if as4 := bp.SelectElement("as4"); as4 != nil {
		for _, e := range as4.SelectElements("receptionAwareness") {
			cfg.ReceptionAwareness = append(cfg.ReceptionAwareness, p.receptionAwareness(e))
		}
	}
	if legs := bp.SelectElement("legConfigurations"); legs != nil {
		for _, e := range legs.SelectElements("legConfiguration") {
			cfg.Legs = append(cfg.Legs, &LegConfiguration{
				Name:                   p.required(e, "name"),
				ServiceName:            p.required(e, "service"),
				ActionName:             p.required(e, "action"),
				DefaultMpcName:         p.required(e, "defaultMpc"),
				SecurityName:           p.attr(e, "security"),
				ReceptionAwarenessName: p.attr(e, "receptionAwareness"),
				CompressPayloads:       p.boolAttr(e, "compressPayloads", false),
			})
		}
	}
	for _, e := range bp.SelectElements("process") {
		cfg.Processes = append(cfg.Processes, p.process(e))
	}
	return cfg
}

// receptionAwareness reads retry="timeout;count;STRATEGY".
func (p *parser) receptionAwareness(e *etree.Element) *ReceptionAwareness {
	ra := &ReceptionAwareness{
		Name:               p.required(e, "name"),
		Strategy:           RetryConstant,
		DuplicateDetection: p.boolAttr(e, "duplicateDetection", true),
	}
	retry := p.required(e, "retry")
	if retry == "" {
		return ra
	}
	parts := strings.Split(retry, ";")
	if len(parts) != 3 {
		p.errorf("<receptionAwareness name=%q> retry must be timeout;count;strategy, got %q", ra.Name, retry)
		return ra
	}
	timeout, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	count, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		p.errorf("<receptionAwareness name=%q> retry timeout and count must be integers, got %q", ra.Name, retry)
		return ra
	}
	ra.RetryTimeout = timeout
	ra.RetryCount = count
	ra.Strategy = RetryStrategy(strings.ToUpper(strings.TrimSpace(parts[2])))
	return ra
}

func (p *parser) process(e *etree.Element) *Process {
	proc := &Process{
		Name:              p.required(e, "name"),
		AgreementName:     p.attr(e, "agreement"),
		MepName:           p.required(e, "mep"),
		BindingName:       p.required(e, "binding"),
		InitiatorRoleName: p.attr(e, "initiatorRole"),
		ResponderRoleName: p.attr(e, "responderRole"),
	}
	if ip := e.SelectElement("initiatorParties"); ip != nil {
		for _, pe := range ip.SelectElements("initiatorParty") {
			proc.InitiatorNames = append(proc.InitiatorNames, p.required(pe, "name"))
		}
	}
	if rp := e.SelectElement("responderParties"); rp != nil {
		for _, pe := range rp.SelectElements("responderParty") {
			proc.ResponderNames = append(proc.ResponderNames, p.required(pe, "name"))
		}
	}
	if legs := e.SelectElement("legs"); legs != nil {
		for _, le := range legs.SelectElements("leg") {
			proc.LegNames = append(proc.LegNames, p.required(le, "name"))
		}
	}
	return proc
}

// strictCheck walks the document and reports what a schema validator
// would reject but the lenient reader accepted.
func strictCheck(e *etree.Element, path string, warnings *[]ValidationIssue) {
	warn := func(format string, args ...any) {
		*warnings = append(*warnings, ValidationIssue{
			Level:   LevelWarning,
			Message: "XSD non-compliance: " + fmt.Sprintf(format, args...),
		})
	}
	s, ok := schema[e.Tag]
	if !ok {
		warn("%s: unexpected element", path)
		return
	}
	if s.opaque {
		return
	}
	for _, a := range e.Attr {
		if a.Space == "xmlns" || a.Key == "xmlns" || a.Space == "xsi" {
			continue
		}
		if !contains(s.required, a.Key) && !contains(s.optional, a.Key) {
			warn("%s: unexpected attribute %q", path, a.Key)
			continue
		}
		if a.Value != strings.TrimSpace(a.Value) {
			warn("%s: attribute %q has leading or trailing whitespace", path, a.Key)
		}
	}
	for _, c := range e.ChildElements() {
		strictCheck(c, path+"/"+c.Tag, warnings)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
