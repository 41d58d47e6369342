package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
)

const (
	reasonGeneration    = "generation"
	metadataKeyVersion  = "model_version"
	metadataKeyPlatform = "platform"
)

var (
	ErrUnknownVersion = errors.New("unknown model version")
	ErrInvalidCharger = errors.New("invalid charger config")
)

// Consumer is the ledger capability a Charger needs.
type Consumer interface {
	Consume(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.Balance, error)
}

// Charge is the outcome of one paid generation.
type Charge struct {
	Version string
	Cost    ledger.PositiveCredits
	Balance ledger.Balance
}

// Charger prices generations by model version and debits the ledger.
type Charger struct {
	consumer Consumer
	costs    map[string]ledger.PositiveCredits
	reason   ledger.Reason
}

// NewCharger validates the price list. Version names are matched case-insensitively.
func NewCharger(consumer Consumer, costs map[string]int64) (*Charger, error) {
	if consumer == nil {
		return nil, fmt.Errorf("%w: consumer dependency is nil", ErrInvalidCharger)
	}
	if len(costs) == 0 {
		return nil, fmt.Errorf("%w: empty price list", ErrInvalidCharger)
	}
	normalized := make(map[string]ledger.PositiveCredits, len(costs))
	for version, cost := range costs {
		credits, err := ledger.NewPositiveCredits(cost)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCharger, version, err)
		}
		normalized[normalizeVersion(version)] = credits
	}
	reason, err := ledger.NewReason(reasonGeneration)
	if err != nil {
		return nil, err
	}
	return &Charger{consumer: consumer, costs: normalized, reason: reason}, nil
}

// Cost returns the credits one generation with version consumes.
func (charger *Charger) Cost(version string) (ledger.PositiveCredits, error) {
	cost, ok := charger.costs[normalizeVersion(version)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	return cost, nil
}

// Versions lists the priced versions in order.
func (charger *Charger) Versions() []string {
	versions := make([]string, 0, len(charger.costs))
	for version := range charger.costs {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions
}

// Charge debits the cost of one generation. ledger.ErrInsufficientCredits is returned unchanged.
func (charger *Charger) Charge(ctx context.Context, userID ledger.UserID, version string, platform string) (Charge, error) {
	cost, err := charger.Cost(version)
	if err != nil {
		return Charge{}, err
	}
	normalized := normalizeVersion(version)
	values := map[string]string{metadataKeyVersion: normalized}
	if trimmed := strings.TrimSpace(platform); trimmed != "" {
		values[metadataKeyPlatform] = trimmed
	}
	metadata, err := ledger.MetadataFromMap(values)
	if err != nil {
		return Charge{}, err
	}
	balance, err := charger.consumer.Consume(ctx, userID, cost, charger.reason, metadata)
	if err != nil {
		return Charge{}, err
	}
	return Charge{Version: normalized, Cost: cost, Balance: balance}, nil
}

func normalizeVersion(version string) string {
	return strings.ToLower(strings.TrimSpace(version))
}
