package aggregator

import (
	"github.com/n6hub/n6pipe/internal/collector"
)

// The snapshot reuses the collector state store; the aggregator is a
// pseudo-source with a fixed file name.
const (
	snapshotSource = "aggregator"
	snapshotName   = "Aggregator"
)

// SaveSnapshot persists the per-source state so a restart resumes
// aggregation instead of re-emitting representatives.
func (a *Aggregator) SaveSnapshot(store *collector.Store) error {
	return store.Save(snapshotSource, snapshotName, a.Sources)
}

// LoadSnapshot restores a previous snapshot, if any, clamping each
// group so that First <= Until <= the source's Time.
func (a *Aggregator) LoadSnapshot(store *collector.Store) error {
	sources := make(map[string]*SourceData)
	found, err := store.Load(snapshotSource, snapshotName, &sources)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for _, sd := range sources {
		if sd.Groups == nil {
			sd.Groups = make(map[string]*HiFreqEventData)
		}
		if sd.Buffer == nil {
			sd.Buffer = make(map[string]*HiFreqEventData)
		}
		if sd.Tolerance <= 0 {
			sd.Tolerance = a.Tolerance
		}
		for _, m := range []map[string]*HiFreqEventData{sd.Groups, sd.Buffer} {
			for _, h := range m {
				if h.Until.After(sd.Time) {
					h.Until = sd.Time
				}
				if h.First.After(h.Until) {
					h.First = h.Until
				}
				if h.Count < 1 {
					h.Count = 1
				}
			}
		}
	}
	a.Sources = sources
	return nil
}
