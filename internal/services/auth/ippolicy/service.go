package ippolicy

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	"github.com/louisbranch/gatehouse/internal/platform/id"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.uber.org/zap"
)

// RuleStore persists rules.
type RuleStore interface {
	RuleSource
	PutIPRule(ctx context.Context, rule storage.IPRule) error
	DeleteIPRule(ctx context.Context, id string) error
}

// AddRuleInput describes a new rule. Set IPAddress, IPRange, or both; IPRange
// decides matching when present.
type AddRuleInput struct {
	AppID     string
	IPAddress string
	IPRange   string
	Type      storage.RuleType
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
}

// Service manages rules for administrators.
type Service struct {
	store       RuleStore
	logger      *zap.Logger
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService builds a rule management service.
func NewService(store RuleStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		logger:      logger.Named("ippolicy"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// AddRule validates and stores a rule. Ranges are stored in masked form.
func (s *Service) AddRule(ctx context.Context, input AddRuleInput) (storage.IPRule, error) {
	if !input.Type.Valid() {
		return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "rule type must be whitelist or blacklist")
	}
	address := strings.TrimSpace(input.IPAddress)
	ipRange := strings.TrimSpace(input.IPRange)
	if address == "" && ipRange == "" {
		return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "ip address or range is required")
	}
	if address != "" {
		if strings.Contains(address, "/") {
			return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "ip address must not be a range")
		}
		addr, err := ParseAddr(address)
		if err != nil {
			return storage.IPRule{}, err
		}
		address = addr.String()
	}
	if ipRange != "" {
		if !strings.Contains(ipRange, "/") {
			return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "ip range must be CIDR notation")
		}
		prefix, err := parsePrefix(ipRange)
		if err != nil {
			return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "invalid ip range")
		}
		ipRange = prefix.String()
	}

	now := s.clock().UTC()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return storage.IPRule{}, apperrors.New(apperrors.CodeValidation, "expiry must be in the future")
	}
	ruleID, err := s.idGenerator()
	if err != nil {
		return storage.IPRule{}, err
	}
	rule := storage.IPRule{
		ID:        ruleID,
		AppID:     strings.TrimSpace(input.AppID),
		IPAddress: address,
		IPRange:   ipRange,
		Type:      input.Type,
		Reason:    strings.TrimSpace(input.Reason),
		ExpiresAt: input.ExpiresAt,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
	}
	if err := s.store.PutIPRule(ctx, rule); err != nil {
		return storage.IPRule{}, apperrors.Wrap(apperrors.CodeUpstream, "store ip rule", err)
	}
	s.logger.Info("ip rule added",
		zap.String("rule_id", rule.ID),
		zap.String("app_id", rule.AppID),
		zap.String("type", string(rule.Type)),
		zap.String("created_by", rule.CreatedBy),
	)
	return rule, nil
}

// RemoveRule deletes a rule.
func (s *Service) RemoveRule(ctx context.Context, ruleID string) error {
	if strings.TrimSpace(ruleID) == "" {
		return apperrors.New(apperrors.CodeValidation, "rule id is required")
	}
	if err := s.store.DeleteIPRule(ctx, ruleID); err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return err
		}
		return apperrors.Wrap(apperrors.CodeUpstream, "delete ip rule", err)
	}
	s.logger.Info("ip rule removed", zap.String("rule_id", ruleID))
	return nil
}

// ListRules returns the global rules plus appID's rules, expired ones included.
func (s *Service) ListRules(ctx context.Context, appID string) ([]storage.IPRule, error) {
	rules, err := s.store.ListIPRules(ctx, appID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "list ip rules", err)
	}
	return rules, nil
}
