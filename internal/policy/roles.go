package policy

// Actor is the minimal view of an authenticated principal the engine needs.
type Actor struct {
	ID   string
	Role Role
}

// Build derives the rule set for an actor. It is a pure function of the
// actor's id and role; unknown roles get an empty set and are denied
// everything.
func Build(actor Actor) RuleSet {
	switch actor.Role {
	case RoleAdmin:
		return NewRuleSet(actor.ID, Rule{Kind: KindAllow, Action: ActionManage, Subject: SubjectAll})
	case RoleUser:
		owns := ownedBy(actor.ID)
		return NewRuleSet(actor.ID,
			Rule{Kind: KindAllow, Action: ActionRead, Subject: SubjectArticles},
			Rule{Kind: KindAllow, Action: ActionCreate, Subject: SubjectArticles},
			Rule{Kind: KindAllow, Action: ActionUpdate, Subject: SubjectArticles},
			Rule{Kind: KindAllow, Action: ActionDelete, Subject: SubjectArticles},
			Rule{Kind: KindConditional, Action: ActionUpdate, Subject: SubjectArticles, Condition: owns},
			Rule{Kind: KindConditional, Action: ActionDelete, Subject: SubjectArticles, Condition: owns},

			Rule{Kind: KindAllow, Action: ActionRead, Subject: SubjectUsers},
			Rule{Kind: KindAllow, Action: ActionUpdate, Subject: SubjectUsers},
			Rule{Kind: KindDeny, Action: ActionDelete, Subject: SubjectUsers, Reason: "only admins can delete users"},
			Rule{Kind: KindDeny, Action: ActionCreate, Subject: SubjectUsers, Reason: "only admins can create users"},
			Rule{Kind: KindDeny, Action: ActionReadAll, Subject: SubjectUsers, Reason: "only admins can list users"},
		)
	default:
		return NewRuleSet(actor.ID)
	}
}

func ownedBy(actorID string) Condition {
	return func(res Resource) bool {
		owned, ok := res.(Owned)
		return ok && actorID != "" && owned.OwnerID() == actorID
	}
}
