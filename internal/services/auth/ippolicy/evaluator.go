package ippolicy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gatehouse/internal/platform/errors"
	platformotel "github.com/louisbranch/gatehouse/internal/platform/otel"
	"github.com/louisbranch/gatehouse/internal/services/auth/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Decision reasons.
const (
	ReasonNoRules        = "no_rules"
	ReasonBlacklisted    = "blacklisted"
	ReasonWhitelisted    = "whitelisted"
	ReasonNotWhitelisted = "not_whitelisted"
)

// RuleSource lists the rules that apply to an application: global rules plus
// rules scoped to appID.
type RuleSource interface {
	ListIPRules(ctx context.Context, appID string) ([]storage.IPRule, error)
}

// Decision is the outcome of evaluating one address. Rule is the deciding
// rule, nil when no rule decided.
type Decision struct {
	Allowed bool
	Rule    *storage.IPRule
	Reason  string
}

// Evaluator applies stored rules to client addresses.
type Evaluator struct {
	rules RuleSource
	clock func() time.Time
}

// NewEvaluator builds an evaluator over rules.
func NewEvaluator(rules RuleSource) *Evaluator {
	return &Evaluator{rules: rules, clock: time.Now}
}

// Decide evaluates ip for appID. An empty appID evaluates global rules only.
func (e *Evaluator) Decide(ctx context.Context, ip string, appID string) (Decision, error) {
	ctx, span := platformotel.Tracer("ippolicy").Start(ctx, "ippolicy.Decide")
	defer span.End()
	span.SetAttributes(attribute.String("app_id", appID))

	addr, err := ParseAddr(ip)
	if err != nil {
		return Decision{}, err
	}
	if e == nil || e.rules == nil {
		return Decision{}, apperrors.New(apperrors.CodeUpstream, "ip rule source is not configured")
	}
	rules, err := e.rules.ListIPRules(ctx, appID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list rules")
		return Decision{}, apperrors.Wrap(apperrors.CodeUpstream, "load ip rules", err)
	}
	decision, err := Evaluate(rules, addr, e.clock())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluate rules")
		return Decision{}, err
	}
	span.SetAttributes(attribute.Bool("allowed", decision.Allowed), attribute.String("reason", decision.Reason))
	return decision, nil
}

// ParseAddr parses a client address, unmapping IPv4-mapped IPv6 forms.
func ParseAddr(ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, apperrors.New(apperrors.CodeValidation, "invalid ip address")
	}
	return addr.Unmap().WithZone(""), nil
}

// Evaluate applies rules to addr at now. Expired rules are ignored. A rule
// with an unknown type or an unparseable address fails the whole evaluation.
func Evaluate(rules []storage.IPRule, addr netip.Addr, now time.Time) (Decision, error) {
	addr = addr.Unmap()

	var (
		bestDeny      *match
		bestAllow     *match
		haveAllowRule bool
	)
	for i := range rules {
		rule := &rules[i]
		if rule.ExpiresAt != nil && !now.Before(*rule.ExpiresAt) {
			continue
		}
		prefix, err := RulePrefix(*rule)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}

		switch rule.Type {
		case storage.RuleBlacklist:
			if prefix.Contains(addr) {
				bestDeny = better(bestDeny, &match{rule: rule, bits: prefix.Bits()})
			}
		case storage.RuleWhitelist:
			haveAllowRule = true
			if prefix.Contains(addr) {
				bestAllow = better(bestAllow, &match{rule: rule, bits: prefix.Bits()})
			}
		default:
			return Decision{}, fmt.Errorf("rule %s: unknown rule type %q", rule.ID, rule.Type)
		}
	}

	switch {
	case bestDeny != nil:
		return Decision{Allowed: false, Rule: bestDeny.rule, Reason: ReasonBlacklisted}, nil
	case bestAllow != nil:
		return Decision{Allowed: true, Rule: bestAllow.rule, Reason: ReasonWhitelisted}, nil
	case haveAllowRule:
		return Decision{Allowed: false, Reason: ReasonNotWhitelisted}, nil
	default:
		return Decision{Allowed: true, Reason: ReasonNoRules}, nil
	}
}

type match struct {
	rule *storage.IPRule
	bits int
}

// better prefers the longer prefix, then the newer rule.
func better(current, candidate *match) *match {
	if current == nil {
		return candidate
	}
	if candidate.bits != current.bits {
		if candidate.bits > current.bits {
			return candidate
		}
		return current
	}
	if candidate.rule.CreatedAt.After(current.rule.CreatedAt) {
		return candidate
	}
	return current
}

// RulePrefix returns the network a rule covers. IPRange wins over IPAddress;
// a bare address covers only itself.
func RulePrefix(rule storage.IPRule) (netip.Prefix, error) {
	value := strings.TrimSpace(rule.IPRange)
	if value == "" {
		value = strings.TrimSpace(rule.IPAddress)
	}
	if value == "" {
		return netip.Prefix{}, fmt.Errorf("rule has no address or range")
	}
	return parsePrefix(value)
}

func parsePrefix(value string) (netip.Prefix, error) {
	if !strings.Contains(value, "/") {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse address %q: %w", value, err)
		}
		addr = addr.Unmap().WithZone("")
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse range %q: %w", value, err)
	}
	if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
	}
	return prefix.Masked(), nil
}
