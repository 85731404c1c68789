package syncer

import (
	"context"
	"fmt"
	"slices"

	"github.com/jacentio/tillsync/local"
	"github.com/jacentio/tillsync/remote"
)

// verifyAttempts is the number of writes made for a verified flag update:
// the original plus one retry.
const verifyAttempts = 2

// mergeGroup removes the sources remotely, then writes the composite under
// the target id. A failed source delete is reported and the rest continue.
func (s *Syncer) mergeGroup(ctx context.Context, ev local.Event, report reportFunc) {
	for _, id := range ev.SourceIDs {
		if id == ev.ID {
			continue
		}
		s.delete(ctx, ev.Collection, id, report)
	}

	composite, ok := s.state.Entity(ev.Collection, ev.ID)
	if !ok {
		report("set", ev.ID, fmt.Errorf("%w: %s/%s", ErrCompositeMissing, ev.Collection, ev.ID))
		return
	}
	s.set(ctx, ev.Collection, ev.ID, Clean(composite), report)
}

// unmergeGroup deletes the composite and the records associated with each
// source, then recreates every source as a fresh record carrying its
// preserved guest count.
func (s *Syncer) unmergeGroup(ctx context.Context, ev local.Event, report reportFunc) {
	sources := ev.SourceIDs
	if len(sources) == 0 {
		composite, err := s.remote.Get(ctx, ev.Collection, ev.ID)
		if err != nil {
			report("get", ev.ID, err)
			return
		}
		sources = local.Strings(composite[local.FieldMergedIDs])
	}

	s.delete(ctx, ev.Collection, ev.ID, report)

	for _, src := range sources {
		associated, err := s.remote.List(ctx, ev.Collection, remote.Filter{s.assoc: src})
		if err != nil {
			report("list", src, err)
			continue
		}
		deleted := false
		for _, rec := range associated {
			s.delete(ctx, ev.Collection, rec.ID(), report)
			deleted = deleted || rec.ID() == src
		}
		if !deleted {
			s.delete(ctx, ev.Collection, src, report)
		}
	}

	for _, src := range sources {
		fresh := remote.Record{
			local.FieldID:       src,
			s.assoc:             src,
			local.FieldItems:    []any{},
			local.FieldQuantity: ev.Preserved[src],
			local.FieldUnsaved:  false,
			local.FieldIsMerged: false,
			local.FieldMergerID: nil,
		}
		s.state.Put(ev.Collection, fresh)
		s.set(ctx, ev.Collection, src, fresh, report)
	}
}

// mergeComposite deactivates every source, then activates the target. Each
// flag write is verified against a fresh read of the collection.
func (s *Syncer) mergeComposite(ctx context.Context, ev local.Event, report reportFunc) {
	for _, src := range ev.SourceIDs {
		if src == ev.ID {
			continue
		}
		partial := remote.Record{local.FieldActive: false, local.FieldGroupID: ev.ID}
		s.verified(ctx, ev.Collection, src, remote.Filter(partial), report, func(ctx context.Context) error {
			return s.remote.Update(ctx, ev.Collection, src, partial)
		})
	}

	target, ok := s.state.Entity(ev.Collection, ev.ID)
	if !ok {
		target = remote.Record{
			local.FieldID:      ev.ID,
			local.FieldActive:  true,
			local.FieldGroupID: nil,
			local.FieldMembers: slices.Clone(ev.SourceIDs),
		}
	}
	target = Clean(target)
	s.verified(ctx, ev.Collection, ev.ID, remote.Filter{local.FieldActive: true}, report, func(ctx context.Context) error {
		return s.remote.Set(ctx, ev.Collection, ev.ID, target)
	})
}

// unmergeComposite deactivates the target, then reactivates each member.
func (s *Syncer) unmergeComposite(ctx context.Context, ev local.Event, report reportFunc) {
	members := ev.SourceIDs
	if len(members) == 0 {
		target, err := s.remote.Get(ctx, ev.Collection, ev.ID)
		if err != nil {
			report("get", ev.ID, err)
			return
		}
		members = local.Strings(target[local.FieldMembers])
	}

	deactivate := remote.Record{local.FieldActive: false, local.FieldMembers: nil}
	s.verified(ctx, ev.Collection, ev.ID, remote.Filter{local.FieldActive: false}, report, func(ctx context.Context) error {
		return s.remote.Update(ctx, ev.Collection, ev.ID, deactivate)
	})

	for _, id := range members {
		if id == ev.ID {
			continue
		}
		partial := remote.Record{local.FieldActive: true, local.FieldGroupID: nil}
		s.verified(ctx, ev.Collection, id, remote.Filter(partial), report, func(ctx context.Context) error {
			return s.remote.Update(ctx, ev.Collection, id, partial)
		})
	}
}

// verified runs write and checks, by listing the whole collection, that the
// record matches want. A mismatch is retried once.
func (s *Syncer) verified(ctx context.Context, collection, id string, want remote.Filter, report reportFunc, write func(context.Context) error) bool {
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		if err := write(ctx); err != nil {
			report("write", id, err)
			return false
		}
		s.invalidate(collection)

		ok, err := s.matches(ctx, collection, id, want)
		if err != nil {
			report("verify", id, err)
			return false
		}
		if ok {
			return true
		}
		s.logger.Warn("flag update not visible", "collection", collection, "id", id, "attempt", attempt)
	}
	report("verify", id, ErrVerificationMismatch)
	return false
}

func (s *Syncer) matches(ctx context.Context, collection, id string, want remote.Filter) (bool, error) {
	recs, err := s.remote.List(ctx, collection, nil)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.ID() == id {
			return want.Match(rec), nil
		}
	}
	return false, nil
}
