package admin

import "testing"

func TestProbeLogEvictsOldest(t *testing.T) {
	log := NewProbeLog(2)
	log.Record("/creds/a", []byte("first"))
	log.Record("/creds/b", []byte("second"))
	log.Record("/creds/c", []byte("third"))

	records := log.List()
	if len(records) != 2 {
		t.Fatalf("expected 2 records after eviction, got %d", len(records))
	}
	if records[0].ID != 2 || records[1].ID != 3 {
		t.Errorf("record ids = %d, %d, want 2, 3", records[0].ID, records[1].ID)
	}
	for _, rec := range records {
		if rec.Transcript != "" {
			t.Errorf("list should omit transcripts: %+v", rec)
		}
	}

	if _, ok := log.Get(1); ok {
		t.Error("oldest record should have been evicted")
	}
	rec, ok := log.Get(2)
	if !ok {
		t.Fatal("record 2 missing")
	}
	if rec.Transcript != "second" || rec.CredentialDir != "/creds/b" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if log.Len() != 2 {
		t.Errorf("Len() = %d, want 2", log.Len())
	}
}

func TestProbeLogStripsControlSequences(t *testing.T) {
	log := NewProbeLog(4)
	raw := []byte("\x1b[2K\x1b[31mSession\x1b[0m 42% used")
	log.Record("/creds/a", raw)

	rec, ok := log.Get(1)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Transcript != "Session 42% used" {
		t.Errorf("transcript = %q, want control sequences stripped", rec.Transcript)
	}
	if rec.Size != len(raw) {
		t.Errorf("size = %d, want raw length %d", rec.Size, len(raw))
	}
}

func TestProbeLogDefaultsSize(t *testing.T) {
	log := NewProbeLog(0)
	for i := 0; i < defaultProbeLogSize+10; i++ {
		log.Record("/creds/a", []byte("transcript"))
	}
	if log.Len() != defaultProbeLogSize {
		t.Errorf("Len() = %d, want %d", log.Len(), defaultProbeLogSize)
	}
}
