package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quillpress.org/internal/policy"
)

// ActorPatch is the caller-facing update payload. Nil fields are left untouched.
type ActorPatch struct {
	Username *string
	Password *string
	Role     *policy.Role
}

// CreateActorInput is the admin-facing creation payload.
type CreateActorInput = SignUpInput

// Me returns the actor resolved by the guard.
func (s *Service) Me(ctx context.Context, d Decision) (*Actor, error) {
	if !d.Authenticated() {
		return nil, ErrUnauthenticated
	}
	return s.store.Actors(ctx).Find(ctx, d.Actor.ID)
}

// ListActors returns every live actor.
func (s *Service) ListActors(ctx context.Context, d Decision) ([]*Actor, error) {
	if err := d.Rules.Authorize(policy.ActionReadAll, policy.SubjectUsers); err != nil {
		return nil, err
	}
	return s.store.Actors(ctx).List(ctx)
}

// CreateActor registers an actor on behalf of an administrator. Unlike
// SignUp it may assign any role and issues no tokens.
func (s *Service) CreateActor(ctx context.Context, d Decision, in CreateActorInput) (*Actor, error) {
	if err := d.Rules.Authorize(policy.ActionCreate, policy.SubjectUsers); err != nil {
		return nil, err
	}
	actor, err := s.newActor(in)
	if err != nil {
		return nil, err
	}
	actors := s.store.Actors(ctx)
	if _, err := actors.FindByEmail(ctx, actor.Email); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := actors.Create(ctx, actor); err != nil {
		return nil, err
	}
	s.record(ctx, "users.create", map[string]any{"actor_id": d.ActorID(), "target_id": actor.ID})
	return actor, nil
}

// UpdateActor changes username, password or role. Non-managers may only
// update themselves and may not change roles.
func (s *Service) UpdateActor(ctx context.Context, d Decision, id string, patch ActorPatch) (*Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	actors := s.store.Actors(ctx)
	target, err := actors.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	manager := d.Rules.Can(policy.ActionManage, policy.SubjectUsers)
	if !manager && target.ID != d.ActorID() {
		return nil, &policy.DeniedError{Action: policy.ActionUpdate, Subject: policy.SubjectUsers, Reason: "can only update own account"}
	}
	if err := d.Rules.AuthorizeResource(policy.ActionUpdate, *target); err != nil {
		return nil, err
	}

	var upd ActorUpdate
	if patch.Username != nil {
		username := strings.TrimSpace(*patch.Username)
		if err := validateUsername(username); err != nil {
			return nil, err
		}
		upd.Username = &username
	}
	if patch.Password != nil {
		if err := validatePassword(*patch.Password); err != nil {
			return nil, err
		}
		digest, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &digest
	}
	if patch.Role != nil {
		if !manager {
			return nil, &policy.DeniedError{Action: policy.ActionManage, Subject: policy.SubjectUsers, Reason: "role changes require manage"}
		}
		if !patch.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *patch.Role)
		}
		role := *patch.Role
		upd.Role = &role
	}
	if upd.Empty() {
		return target, nil
	}
	updated, err := actors.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "users.update", map[string]any{"actor_id": d.ActorID(), "target_id": id})
	return updated, nil
}

// DeleteActor soft-deletes an actor and revokes its current access token.
func (s *Service) DeleteActor(ctx context.Context, d Decision, id string) error {
	if err := d.Rules.Authorize(policy.ActionDelete, policy.SubjectUsers); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	actors := s.store.Actors(ctx)
	target, err := actors.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.revokeIssued(ctx, target.AccessToken); err != nil {
		return err
	}
	if err := actors.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "users.delete", map[string]any{"actor_id": d.ActorID(), "target_id": id})
	return nil
}
