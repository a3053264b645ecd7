package queue

// Diff is the result of comparing two consecutive snapshots.
type Diff struct {
	New     []WaitingEntity
	Updated []WaitingEntity
	Removed []WaitingEntity
}

func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// SnapshotDiff compares previous and incoming by identity key.
//
// Incoming order is preserved in New and Updated; Removed follows previous
// order. Duplicate identities within one snapshot keep the first occurrence.
// Feeding the same snapshot twice yields an empty diff.
func SnapshotDiff(previous, incoming []WaitingEntity) Diff {
	prev := make(map[string]WaitingEntity, len(previous))
	for _, e := range previous {
		k := e.IdentityKey()
		if _, ok := prev[k]; !ok {
			prev[k] = e
		}
	}

	var d Diff
	seen := make(map[string]struct{}, len(incoming))
	for _, e := range incoming {
		k := e.IdentityKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		old, ok := prev[k]
		switch {
		case !ok:
			d.New = append(d.New, e)
		case !sameEntity(old, e):
			d.Updated = append(d.Updated, e)
		}
	}

	removed := make(map[string]struct{})
	for _, e := range previous {
		k := e.IdentityKey()
		if _, ok := seen[k]; ok {
			continue
		}
		if _, dup := removed[k]; dup {
			continue
		}
		removed[k] = struct{}{}
		d.Removed = append(d.Removed, e)
	}
	return d
}

// Dedupe drops later entries that share an identity key.
func Dedupe(in []WaitingEntity) []WaitingEntity {
	out := make([]WaitingEntity, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		k := e.IdentityKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

func sameEntity(a, b WaitingEntity) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Phone == b.Phone &&
		a.SectorID == b.SectorID &&
		a.ChannelID == b.ChannelID &&
		a.ChannelType == b.ChannelType &&
		a.WaitStartTime.Equal(b.WaitStartTime)
}
