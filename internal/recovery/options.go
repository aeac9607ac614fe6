package recovery

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sqlrescue/internal/services"
	"sqlrescue/internal/services/sqlitecli"
)

// Strategy names one step of the fallback chain.
type Strategy string

const (
	StrategyRecover    Strategy = "recover"
	StrategyDump       Strategy = "dump"
	StrategyTablewise  Strategy = "tablewise"
	StrategySchemaOnly Strategy = "schema_only"
	StrategyTableList  Strategy = "table_list"
)

// Mode selects how much of the chain runs and which session ceiling applies.
type Mode string

const (
	// ModeStandard runs the whole chain under the standard ceiling.
	ModeStandard Mode = "standard"
	// ModeTablewise goes straight to per-table recovery under the exhaustive
	// ceiling.
	ModeTablewise Mode = "tablewise"
)

// ParseMode accepts the user-facing spellings of a mode. Empty means standard.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "standard", "auto":
		return ModeStandard, nil
	case "tablewise", "table", "exhaustive":
		return ModeTablewise, nil
	default:
		return "", services.Wrap(services.ErrValidation, "recovery", "parse mode", fmt.Sprintf("unknown mode %q", value), nil)
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Options are the caller's choices for the primary .recover step. They are
// fixed for the whole run and ignored by the fallback strategies.
type Options struct {
	IgnoreFreelist    bool   `json:"ignoreFreelist"`
	NoRowids          bool   `json:"noRowids"`
	LostAndFoundTable string `json:"lostAndFoundTable,omitempty"`
}

// Validate rejects lost-and-found names that are not plain identifiers.
func (o Options) Validate() error {
	name := strings.TrimSpace(o.LostAndFoundTable)
	if name == "" {
		return nil
	}
	if !identifierPattern.MatchString(name) {
		return services.Wrap(services.ErrValidation, "recovery", "validate options",
			fmt.Sprintf("lost-and-found table %q must be a plain identifier", name), nil)
	}
	return nil
}

func (o Options) flags() sqlitecli.RecoverFlags {
	return sqlitecli.RecoverFlags{
		IgnoreFreelist:    o.IgnoreFreelist,
		NoRowids:          o.NoRowids,
		LostAndFoundTable: strings.TrimSpace(o.LostAndFoundTable),
	}
}

// Timeouts bounds each strategy's external invocations.
type Timeouts struct {
	Primary          time.Duration
	Table            time.Duration
	List             time.Duration
	Schema           time.Duration
	MaxPrimaryOutput int64
}

// DefaultTimeouts returns production bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Primary:          5 * time.Minute,
		Table:            30 * time.Second,
		List:             time.Minute,
		Schema:           time.Minute,
		MaxPrimaryOutput: 256 << 20,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Primary <= 0 {
		t.Primary = def.Primary
	}
	if t.Table <= 0 {
		t.Table = def.Table
	}
	if t.List <= 0 {
		t.List = def.List
	}
	if t.Schema <= 0 {
		t.Schema = def.Schema
	}
	if t.MaxPrimaryOutput <= 0 {
		t.MaxPrimaryOutput = def.MaxPrimaryOutput
	}
	return t
}
