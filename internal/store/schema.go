package store

// EnsureSchema creates the call_records and amd_events tables if they do not
// exist. Intended for startup; production deployments may manage the same DDL
// through their own migration tooling.
func (s *PGStore) EnsureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS call_records (
  id uuid PRIMARY KEY,
  call_sid text NOT NULL UNIQUE,
  from_number text NOT NULL,
  to_number text NOT NULL,
  agent_number text,
  strategy text NOT NULL,
  status text NOT NULL,
  status_rank int NOT NULL DEFAULT 0,
  detection_result text,
  confidence double precision,
  detection_time_ms int,
  poll_count int NOT NULL DEFAULT 0,
  retry_count int NOT NULL DEFAULT 0,
  error_code text,
  error_message text,
  recording_url text,
  created_at timestamptz NOT NULL DEFAULT now(),
  answered_at timestamptz,
  completed_at timestamptz,
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_records_status ON call_records (status);
CREATE INDEX IF NOT EXISTS idx_call_records_created_at ON call_records (created_at DESC);

CREATE TABLE IF NOT EXISTS amd_events (
  id uuid PRIMARY KEY,
  call_sid text NOT NULL,
  event_type text NOT NULL,
  confidence double precision,
  payload jsonb NOT NULL DEFAULT 'null'::jsonb,
  created_at timestamptz NOT NULL DEFAULT now(),
  stream_status text NOT NULL DEFAULT 'pending',
  attempts int NOT NULL DEFAULT 0,
  archived_key text,
  last_error text
);
CREATE INDEX IF NOT EXISTS idx_amd_events_call_sid ON amd_events (call_sid, created_at);
CREATE INDEX IF NOT EXISTS idx_amd_events_stream_status ON amd_events (stream_status) WHERE stream_status IN ('pending','failed');
`
	_, err := s.db.Exec(q)
	return err
}
