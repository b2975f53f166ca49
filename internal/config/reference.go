package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// ReferenceData is the static trading setup the engine starts with.
type ReferenceData struct {
	Instruments        []domain.Instrument        `yaml:"instruments"`
	TradingConditions  []domain.TradingCondition  `yaml:"trading_conditions"`
	TradingInstruments []domain.TradingInstrument `yaml:"trading_instruments"`
	Accounts           []domain.Account           `yaml:"accounts"`
}

// LoadReference reads and validates a YAML reference data file.
func LoadReference(path string) (*ReferenceData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	return ParseReference(data)
}

// ParseReference decodes and validates reference data.
func ParseReference(data []byte) (*ReferenceData, error) {
	var ref ReferenceData
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse reference data: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Validate checks ids are unique and every reference resolves. All problems are reported together.
func (r *ReferenceData) Validate() error {
	var errs []error

	instruments := make(map[string]bool, len(r.Instruments))
	for _, inst := range r.Instruments {
		switch {
		case inst.ID == "":
			errs = append(errs, errors.New("instrument without id"))
		case instruments[inst.ID]:
			errs = append(errs, fmt.Errorf("duplicate instrument %s", inst.ID))
		case inst.BaseAssetID == "" || inst.QuoteAssetID == "":
			errs = append(errs, fmt.Errorf("instrument %s needs base and quote assets", inst.ID))
		case inst.Accuracy < 0:
			errs = append(errs, fmt.Errorf("instrument %s has negative accuracy", inst.ID))
		}
		instruments[inst.ID] = true
	}

	conditions := make(map[string]bool, len(r.TradingConditions))
	for _, tc := range r.TradingConditions {
		switch {
		case tc.ID == "":
			errs = append(errs, errors.New("trading condition without id"))
		case conditions[tc.ID]:
			errs = append(errs, fmt.Errorf("duplicate trading condition %s", tc.ID))
		default:
			if err := tc.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
		conditions[tc.ID] = true
	}

	for _, ti := range r.TradingInstruments {
		key := ti.TradingConditionID + "/" + ti.InstrumentID
		switch {
		case !conditions[ti.TradingConditionID]:
			errs = append(errs, fmt.Errorf("trading instrument %s: unknown trading condition", key))
		case !instruments[ti.InstrumentID]:
			errs = append(errs, fmt.Errorf("trading instrument %s: unknown instrument", key))
		default:
			if err := ti.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	accounts := make(map[string]bool, len(r.Accounts))
	for _, acc := range r.Accounts {
		switch {
		case acc.ID == "":
			errs = append(errs, errors.New("account without id"))
		case accounts[acc.ID]:
			errs = append(errs, fmt.Errorf("duplicate account %s", acc.ID))
		case !conditions[acc.TradingConditionID]:
			errs = append(errs, fmt.Errorf("account %s: unknown trading condition %s", acc.ID, acc.TradingConditionID))
		case acc.BaseAssetID == "":
			errs = append(errs, fmt.Errorf("account %s needs a base asset", acc.ID))
		}
		accounts[acc.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid reference data: %w", errors.Join(errs...))
	}
	return nil
}
