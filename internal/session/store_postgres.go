package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in Postgres. Responses and history are
// stored as JSONB so the ordered-keyed shape survives round trips.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			questionnaire_id TEXT NOT NULL,
			voice_id TEXT NOT NULL DEFAULT '',
			sample_rate INTEGER NOT NULL DEFAULT 0,
			encoding TEXT NOT NULL DEFAULT '',
			channels INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			responses JSONB NOT NULL DEFAULT '[]',
			history JSONB NOT NULL DEFAULT '[]',
			input_stream_id TEXT NOT NULL DEFAULT '',
			output_stream_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_activity ON voice_sessions (last_activity_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	responses, history, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (
			id, questionnaire_id, voice_id, sample_rate, encoding, channels,
			status, step_index, responses, history, input_stream_id,
			output_stream_id, started_at, last_activity_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.QuestionnaireID, sess.VoiceID,
		sess.Audio.SampleRate, sess.Audio.Encoding, sess.Audio.Channels,
		string(sess.Status), sess.StepIndex, responses, history,
		sess.InputStreamID, sess.OutputStreamID, sess.StartedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, questionnaire_id, voice_id, sample_rate, encoding, channels,
			status, step_index, responses, history, input_stream_id,
			output_stream_id, started_at, last_activity_at
		FROM voice_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) Update(ctx context.Context, sess *Session) error {
	responses, history, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET
			questionnaire_id=$2, voice_id=$3, sample_rate=$4, encoding=$5,
			channels=$6, status=$7, step_index=$8, responses=$9, history=$10,
			input_stream_id=$11, output_stream_id=$12, started_at=$13,
			last_activity_at=$14
		WHERE id=$1`,
		sess.ID, sess.QuestionnaireID, sess.VoiceID,
		sess.Audio.SampleRate, sess.Audio.Encoding, sess.Audio.Channels,
		string(sess.Status), sess.StepIndex, responses, history,
		sess.InputStreamID, sess.OutputStreamID, sess.StartedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM voice_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, questionnaire_id, voice_id, sample_rate, encoding, channels,
			status, step_index, responses, history, input_stream_id,
			output_stream_id, started_at, last_activity_at
		FROM voice_sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess               Session
		status             string
		responses, history []byte
	)
	err := row.Scan(&sess.ID, &sess.QuestionnaireID, &sess.VoiceID,
		&sess.Audio.SampleRate, &sess.Audio.Encoding, &sess.Audio.Channels,
		&status, &sess.StepIndex, &responses, &history,
		&sess.InputStreamID, &sess.OutputStreamID, &sess.StartedAt, &sess.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = Status(status)
	if err := json.Unmarshal(responses, &sess.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	if err := json.Unmarshal(history, &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &sess, nil
}

func marshalSessionJSON(sess *Session) (responses, history []byte, err error) {
	if sess.Responses == nil {
		responses = []byte("[]")
	} else if responses, err = json.Marshal(sess.Responses); err != nil {
		return nil, nil, fmt.Errorf("encode responses: %w", err)
	}
	if sess.History == nil {
		history = []byte("[]")
	} else if history, err = json.Marshal(sess.History); err != nil {
		return nil, nil, fmt.Errorf("encode history: %w", err)
	}
	return responses, history, nil
}
