package store

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FakeStore is an in-memory RecordStore for tests.
type FakeStore struct {
	mu      sync.Mutex
	records map[primitive.ObjectID]*FakeRecord
	order   []primitive.ObjectID
}

// FakeRecord mirrors a stored document: the typed record plus the dynamic
// fields written by updates.
type FakeRecord struct {
	Record SiteRecord
	Fields map[string]interface{}
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		records: map[primitive.ObjectID]*FakeRecord{},
	}
}

func (s *FakeStore) Insert(ctx context.Context, rec *SiteRecord) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := primitive.NewObjectID()
	stored := *rec
	stored.ID = id
	s.records[id] = &FakeRecord{
		Record: stored,
		Fields: map[string]interface{}{},
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *FakeStore) UpdateByID(ctx context.Context, id primitive.ObjectID, fields bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	s.apply(rec, fields)
	return nil
}

func (s *FakeStore) UpdateByDomain(ctx context.Context, domain string, fields bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		rec := s.records[id]
		if rec.Record.Domain == domain {
			s.apply(rec, fields)
			return nil
		}
	}
	return nil
}

func (s *FakeStore) apply(rec *FakeRecord, fields bson.M) {
	for k, v := range fields {
		switch k {
		case scoreField:
			if score, ok := v.(int); ok {
				rec.Record.Score = score
			}
		case "urlscan_permalink":
			if link, ok := v.(string); ok {
				rec.Record.UrlscanPermalink = link
			}
		case "urlscan_uuid":
			if uuid, ok := v.(string); ok {
				rec.Record.UrlscanUUID = uuid
			}
		default:
			rec.Fields[k] = v
		}
	}
}

func (s *FakeStore) SetProviderResult(ctx context.Context, id primitive.ObjectID, provider string, result interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.Fields[provider] = result
	return nil
}

func (s *FakeStore) IncScore(ctx context.Context, id primitive.ObjectID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		rec.Record.Score += delta
	}
	return nil
}

func (s *FakeStore) ApplyMismatchPenalty(ctx context.Context, id primitive.ObjectID, delta int, result interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if _, adjusted := rec.Fields["logo_detection_adjusted"]; adjusted {
		return false, nil
	}
	rec.Fields[logoField] = result
	rec.Fields["logo_detection_adjusted"] = true
	rec.Record.Score += delta
	return true, nil
}

func (s *FakeStore) SetCheckedVT(ctx context.Context, id primitive.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if rec.Record.CheckedVT {
		return false, nil
	}
	rec.Record.CheckedVT = true
	return true, nil
}

func (s *FakeStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func (s *FakeStore) CAStats(ctx context.Context, limit int64) ([]CACount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int64{}
	for _, rec := range s.records {
		if rec.Record.CheckedVT {
			counts[rec.Record.CertificateAuthority]++
		}
	}
	var res []CACount
	for ca, count := range counts {
		res = append(res, CACount{CertificateAuthority: ca, Count: count})
	}
	return res, nil
}

// Get returns a copy of the stored record and its dynamic fields.
func (s *FakeStore) Get(id primitive.ObjectID) (SiteRecord, map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return SiteRecord{}, nil, false
	}
	fields := map[string]interface{}{}
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return rec.Record, fields, true
}

// All returns stored records in insertion order.
func (s *FakeStore) All() []SiteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []SiteRecord
	for _, id := range s.order {
		res = append(res, s.records[id].Record)
	}
	return res
}
