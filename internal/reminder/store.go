package reminder

import (
	"context"
	"fmt"

	"icsreminder/internal/accountdata"
	"icsreminder/internal/model"
)

// RoomStore maps reminders onto room account data: one index value per
// room plus one record value per uid.
type RoomStore struct {
	data accountdata.Store
	keys model.Keys
}

func NewRoomStore(data accountdata.Store, namespace string) *RoomStore {
	return &RoomStore{data: data, keys: model.Keys{Namespace: namespace}}
}

// LoadIndex returns the room's index, empty when none was written.
func (s *RoomStore) LoadIndex(ctx context.Context, roomID string) (model.Index, error) {
	idx := model.Index{}
	if err := accountdata.GetOrDefault(ctx, s.data, s.keys.Index(), roomID, &idx, model.Index{}); err != nil {
		return nil, fmt.Errorf("reminder: load index for %s: %w", roomID, err)
	}
	return idx, nil
}

func (s *RoomStore) SaveIndex(ctx context.Context, roomID string, idx model.Index) error {
	if err := s.data.Set(ctx, s.keys.Index(), roomID, idx); err != nil {
		return fmt.Errorf("reminder: save index for %s: %w", roomID, err)
	}
	return nil
}

// LoadRecord returns the stored record for uid. found is false when the
// record was never written or carries no event text.
func (s *RoomStore) LoadRecord(ctx context.Context, roomID, uid string) (model.RecordData, bool, error) {
	var rec model.RecordData
	found, err := s.data.Get(ctx, s.keys.Record(uid), roomID, &rec)
	if err != nil {
		return model.RecordData{}, false, fmt.Errorf("reminder: load record %s: %w", uid, err)
	}
	if !found || rec.VEvent == "" {
		return model.RecordData{}, false, nil
	}
	return rec, true, nil
}

func (s *RoomStore) SaveRecord(ctx context.Context, roomID, uid string, rec model.RecordData) error {
	if err := s.data.Set(ctx, s.keys.Record(uid), roomID, rec); err != nil {
		return fmt.Errorf("reminder: save record %s: %w", uid, err)
	}
	return nil
}
