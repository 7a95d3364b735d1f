package service

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/firedexofficial/signal-cli/internal/model"
)

// mergeStore is the view of the recipient table the merge resolver operates
// on. It is satisfied by repository.RecipientQueries and by the service's
// cache-aware wrapper.
type mergeStore interface {
	FindByAccountID(ctx context.Context, accountID uuid.UUID) (*model.RecipientWithAddress, error)
	FindByPseudoID(ctx context.Context, pseudoID uuid.UUID) (*model.RecipientWithAddress, error)
	FindByNumber(ctx context.Context, number string) (*model.RecipientWithAddress, error)
	FindByUsername(ctx context.Context, username string) (*model.RecipientWithAddress, error)
	Add(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error)
	UpdateAddress(ctx context.Context, id model.RecipientID, address model.RecipientAddress) error
	RemoveAddress(ctx context.Context, id model.RecipientID) error
}

// resolveRecipientTrusted decides which local record a multi-key address
// belongs to. It returns the surviving record plus the records that must be
// absorbed into it, ordered so the caller merges the least trustworthy match
// first. Matches are ranked account id > pseudo id > number > username: an
// account id is assigned once and never moves between peers, while numbers
// are reassigned and usernames freely change hands.
//
// A record slated for absorption may hold keys the incoming address says
// nothing about. Those keys are detached onto a fresh record instead of being
// discarded, so a peer that only ever identified itself by that key stays
// addressable.
func resolveRecipientTrusted(ctx context.Context, s mergeStore, address model.RecipientAddress) (model.RecipientID, []model.RecipientID, error) {
	matches, err := findMatches(ctx, s, address)
	if err != nil {
		return 0, nil, err
	}

	if len(matches) == 0 {
		id, err := s.Add(ctx, address)
		return id, nil, err
	}

	winner := matches[0]
	if len(matches) == 1 {
		merged := winner.Address.WithIdentifiersFrom(address)
		if merged != winner.Address {
			if err := s.UpdateAddress(ctx, winner.ID, merged); err != nil {
				return 0, nil, err
			}
		}
		return winner.ID, nil, nil
	}

	// Strip every loser before touching the winner so the unique key
	// constraints never see the same key on two records.
	losers := matches[1:]
	var spinOffs []model.RecipientAddress
	for _, loser := range losers {
		leftover := loser.Address.RemoveIdentifiersFrom(address)
		if err := s.RemoveAddress(ctx, loser.ID); err != nil {
			return 0, nil, err
		}
		if !leftover.IsEmpty() {
			spinOffs = append(spinOffs, leftover)
		}
	}

	if err := s.UpdateAddress(ctx, winner.ID, winner.Address.WithIdentifiersFrom(address)); err != nil {
		return 0, nil, err
	}
	for _, leftover := range spinOffs {
		if _, err := s.Add(ctx, leftover); err != nil {
			return 0, nil, err
		}
	}

	// Lowest priority first, so each merge lands on the already-updated winner.
	absorbed := make([]model.RecipientID, 0, len(losers))
	for i := len(losers) - 1; i >= 0; i-- {
		absorbed = append(absorbed, losers[i].ID)
	}
	return winner.ID, absorbed, nil
}

// findMatches returns the distinct records holding any of the address's keys,
// ordered by match priority. At most one record can hold each key.
func findMatches(ctx context.Context, s mergeStore, address model.RecipientAddress) ([]model.RecipientWithAddress, error) {
	lookups := []func() (*model.RecipientWithAddress, error){
		func() (*model.RecipientWithAddress, error) {
			if address.AccountID == uuid.Nil {
				return nil, nil
			}
			return s.FindByAccountID(ctx, address.AccountID)
		},
		func() (*model.RecipientWithAddress, error) {
			if address.PseudoID == uuid.Nil {
				return nil, nil
			}
			return s.FindByPseudoID(ctx, address.PseudoID)
		},
		func() (*model.RecipientWithAddress, error) {
			if address.Number == "" {
				return nil, nil
			}
			return s.FindByNumber(ctx, address.Number)
		},
		func() (*model.RecipientWithAddress, error) {
			if address.Username == "" {
				return nil, nil
			}
			return s.FindByUsername(ctx, address.Username)
		},
	}

	var matches []model.RecipientWithAddress
	seen := make(map[model.RecipientID]bool)
	for _, lookup := range lookups {
		rec, err := lookup()
		if err != nil {
			return nil, err
		}
		if rec == nil || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		matches = append(matches, *rec)
	}
	return matches, nil
}
