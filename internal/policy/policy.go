package policy

import (
	"errors"
	"fmt"
)

// Action is a verb a rule grants or denies.
type Action string

const (
	ActionManage  Action = "manage"
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionReadAll Action = "readAll"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// Subject is a resource type a rule applies to.
type Subject string

const (
	SubjectAll      Subject = "all"
	SubjectArticles Subject = "articles"
	SubjectUsers    Subject = "users"
)

// Role is the closed set of actor roles.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ErrForbidden is wrapped by every policy denial.
var ErrForbidden = errors.New("policy: forbidden")

// Resource is a subject instance checked by conditional rules.
type Resource interface {
	SubjectType() Subject
}

// Owned is a resource with an owning actor.
type Owned interface {
	Resource
	OwnerID() string
}

// Condition is an instance predicate attached to a conditional rule.
type Condition func(Resource) bool

// Kind tags the variant of a Rule.
type Kind int

const (
	KindAllow Kind = iota
	KindDeny
	KindConditional
)

func (k Kind) String() string {
	switch k {
	case KindAllow:
		return "allow"
	case KindDeny:
		return "deny"
	case KindConditional:
		return "conditional"
	default:
		return "unknown"
	}
}

// Rule is one entry of a rule set. Condition is set only for KindConditional
// and Reason only for KindDeny.
type Rule struct {
	Kind      Kind
	Action    Action
	Subject   Subject
	Condition Condition
	Reason    string
}

func (r Rule) matches(action Action, subject Subject) bool {
	if r.Action != action && r.Action != ActionManage {
		return false
	}
	return r.Subject == subject || r.Subject == SubjectAll
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s %s", r.Kind, r.Action, r.Subject)
}

// Requirement is a type-level permission a guarded operation declares.
type Requirement struct {
	Action  Action
	Subject Subject
}

// Require is shorthand for building a Requirement.
func Require(action Action, subject Subject) Requirement {
	return Requirement{Action: action, Subject: subject}
}

func (r Requirement) String() string {
	return string(r.Action) + " " + string(r.Subject)
}

// DeniedError describes a failed permission check. It unwraps to ErrForbidden.
type DeniedError struct {
	Action  Action
	Subject Subject
	Reason  string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("policy: cannot %s %s", e.Action, e.Subject)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DeniedError) Unwrap() error { return ErrForbidden }

// RuleSet is the immutable set of rules derived for one actor.
type RuleSet struct {
	actorID string
	rules   []Rule
}

// NewRuleSet builds a rule set from explicit rules.
func NewRuleSet(actorID string, rules ...Rule) RuleSet {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return RuleSet{actorID: actorID, rules: cp}
}

// ActorID returns the actor the rules were derived for.
func (rs RuleSet) ActorID() string { return rs.actorID }

// Rules returns a copy of the rules.
func (rs RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Can reports whether the action is permitted on the subject type.
func (rs RuleSet) Can(action Action, subject Subject) bool {
	ok, _ := rs.evaluate(action, subject, nil)
	return ok
}

// CanAccess reports whether the action is permitted on a specific instance.
func (rs RuleSet) CanAccess(action Action, res Resource) bool {
	if res == nil {
		return false
	}
	ok, _ := rs.evaluate(action, res.SubjectType(), res)
	return ok
}

// Authorize returns a *DeniedError when Can would return false.
func (rs RuleSet) Authorize(action Action, subject Subject) error {
	if ok, reason := rs.evaluate(action, subject, nil); !ok {
		return &DeniedError{Action: action, Subject: subject, Reason: reason}
	}
	return nil
}

// AuthorizeResource returns a *DeniedError when CanAccess would return false.
func (rs RuleSet) AuthorizeResource(action Action, res Resource) error {
	if res == nil {
		return &DeniedError{Action: action, Reason: "no resource"}
	}
	subject := res.SubjectType()
	if ok, reason := rs.evaluate(action, subject, res); !ok {
		return &DeniedError{Action: action, Subject: subject, Reason: reason}
	}
	return nil
}

// AuthorizeAll checks requirements in order and returns the first denial.
func (rs RuleSet) AuthorizeAll(reqs ...Requirement) error {
	for _, req := range reqs {
		if err := rs.Authorize(req.Action, req.Subject); err != nil {
			return err
		}
	}
	return nil
}

// evaluate applies deny-overrides resolution. With res == nil the check is
// type-level and any matching allow or conditional rule passes. With an
// instance, matching conditional rules must have one passing predicate.
func (rs RuleSet) evaluate(action Action, subject Subject, res Resource) (bool, string) {
	var (
		allowed     bool
		conditional []Rule
	)
	for _, r := range rs.rules {
		if !r.matches(action, subject) {
			continue
		}
		switch r.Kind {
		case KindDeny:
			return false, r.Reason
		case KindAllow:
			allowed = true
		case KindConditional:
			conditional = append(conditional, r)
		}
	}
	if res == nil {
		return allowed || len(conditional) > 0, ""
	}
	if len(conditional) == 0 {
		return allowed, ""
	}
	for _, r := range conditional {
		if r.Condition != nil && r.Condition(res) {
			return true, ""
		}
	}
	return false, "not the owner"
}
