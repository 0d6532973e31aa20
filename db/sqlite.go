package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"medpredict/diagnosis"
)

const schema = `
    CREATE TABLE IF NOT EXISTS classifiers (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        disease_id TEXT NOT NULL,
        disease_name TEXT NOT NULL DEFAULT '',
        storage_path TEXT NOT NULL,
        model_path TEXT NOT NULL,
        modality TEXT NOT NULL,
        is_active INTEGER NOT NULL DEFAULT 1,
        disease_active INTEGER NOT NULL DEFAULT 1,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS diagnoses (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        disease_id TEXT NOT NULL,
        classifier_id TEXT NOT NULL,
        name TEXT,
        age INTEGER,
        sex TEXT,
        modality TEXT NOT NULL,
        input_file TEXT,
        input_data TEXT,
        prediction TEXT,
        confidence REAL,
        probabilities TEXT,
        status TEXT NOT NULL,
        error_message TEXT,
        processing_time REAL,
        created_at DATETIME NOT NULL,
        started_at DATETIME,
        completed_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_diagnoses_status ON diagnoses(status, created_at);
    CREATE INDEX IF NOT EXISTS idx_diagnoses_user ON diagnoses(user_id, created_at);
    `

// Store persists classifier registrations and diagnosis records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between workers.
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertClassifier registers a classifier or updates an existing one.
func (s *Store) UpsertClassifier(ctx context.Context, c *diagnosis.Classifier) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO classifiers (
            id, name, disease_id, disease_name, storage_path, model_path,
            modality, is_active, disease_active, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            disease_id = excluded.disease_id,
            disease_name = excluded.disease_name,
            storage_path = excluded.storage_path,
            model_path = excluded.model_path,
            modality = excluded.modality,
            is_active = excluded.is_active,
            disease_active = excluded.disease_active,
            updated_at = excluded.updated_at`,
		c.ID, c.Name, c.DiseaseID, c.DiseaseName, c.StoragePath, c.ModelPath,
		string(c.Modality), c.Active, c.DiseaseActive, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *Store) GetClassifier(ctx context.Context, id string) (*diagnosis.Classifier, error) {
	var c diagnosis.Classifier
	var modality string
	err := s.db.QueryRowContext(ctx, `
        SELECT id, name, disease_id, disease_name, storage_path, model_path,
               modality, is_active, disease_active, created_at, updated_at
        FROM classifiers
        WHERE id = ?`, id).Scan(
		&c.ID, &c.Name, &c.DiseaseID, &c.DiseaseName, &c.StoragePath, &c.ModelPath,
		&modality, &c.Active, &c.DiseaseActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", diagnosis.ErrClassifierNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	c.Modality = diagnosis.Modality(modality)
	return &c, nil
}

func (s *Store) CreateDiagnosis(ctx context.Context, d *diagnosis.Diagnosis) error {
	input, err := marshalNullable(d.InputData)
	if err != nil {
		return fmt.Errorf("encode input data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO diagnoses (
            id, user_id, disease_id, classifier_id, name, age, sex,
            modality, input_file, input_data, status, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.DiseaseID, d.ClassifierID, nullString(d.Name), d.Age, nullString(d.Sex),
		string(d.Modality), nullString(d.InputFile), input, string(d.Status), d.CreatedAt)
	return err
}

const diagnosisColumns = `
        id, user_id, disease_id, classifier_id, name, age, sex, modality,
        input_file, input_data, prediction, confidence, probabilities, status,
        error_message, processing_time, created_at, started_at, completed_at`

func (s *Store) GetDiagnosis(ctx context.Context, id string) (*diagnosis.Diagnosis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+diagnosisColumns+`
        FROM diagnoses
        WHERE id = ?`, id)
	d, err := scanDiagnosis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", diagnosis.ErrDiagnosisNotFound, id)
	}
	return d, err
}

// ListDiagnoses returns matching records, newest first.
func (s *Store) ListDiagnoses(ctx context.Context, filter diagnosis.Filter) ([]*diagnosis.Diagnosis, error) {
	var where []string
	var args []interface{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.DiseaseID != "" {
		where = append(where, "disease_id = ?")
		args = append(args, filter.DiseaseID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + diagnosisColumns + `
        FROM diagnoses`
	if len(where) > 0 {
		query += "\n        WHERE " + strings.Join(where, " AND ")
	}
	query += `
        ORDER BY created_at DESC, id
        LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	diagnoses := make([]*diagnosis.Diagnosis, 0)
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		diagnoses = append(diagnoses, d)
	}
	return diagnoses, rows.Err()
}

func (s *Store) ClaimDiagnosis(ctx context.Context, id string, startedAt time.Time) (*diagnosis.Diagnosis, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE diagnoses
        SET status = ?, started_at = ?
        WHERE id = ? AND status = ?`,
		string(diagnosis.StatusProcessing), startedAt, id, string(diagnosis.StatusPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	d, err := s.GetDiagnosis(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s is %s", diagnosis.ErrNotPending, id, d.Status)
	}
	return d, nil
}

func (s *Store) CompleteDiagnosis(ctx context.Context, id string, c diagnosis.Completion) error {
	var probabilities interface{}
	if c.Probabilities != nil {
		payload, err := json.Marshal(c.Probabilities)
		if err != nil {
			return fmt.Errorf("encode probabilities: %w", err)
		}
		probabilities = string(payload)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE diagnoses
        SET status = ?, prediction = ?, confidence = ?, probabilities = ?,
            error_message = ?, processing_time = ?, completed_at = ?
        WHERE id = ? AND status = ?`,
		string(c.Status), nullString(c.Prediction), c.Confidence, probabilities,
		nullString(c.ErrorMessage), c.ProcessingTime.Seconds(), c.CompletedAt,
		id, string(diagnosis.StatusProcessing))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		d, err := s.GetDiagnosis(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", diagnosis.ErrNotPending, id, d.Status)
	}
	return nil
}

// PendingDiagnosisIDs returns the oldest pending ids first.
func (s *Store) PendingDiagnosisIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id FROM diagnoses
        WHERE status = ?
        ORDER BY created_at, id
        LIMIT ?`, string(diagnosis.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FailStaleProcessing(ctx context.Context, before time.Time, message string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
        SELECT id FROM diagnoses
        WHERE status = ? AND started_at < ?`,
		string(diagnosis.StatusProcessing), before)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
            UPDATE diagnoses
            SET status = ?, error_message = ?, completed_at = ?
            WHERE id = ? AND status = ?`,
			string(diagnosis.StatusFailed), message, now, id, string(diagnosis.StatusProcessing)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDiagnosis(row scanner) (*diagnosis.Diagnosis, error) {
	var d diagnosis.Diagnosis
	var (
		name, sex, inputFile, inputData   sql.NullString
		prediction, probabilities, errMsg sql.NullString
		age                               sql.NullInt64
		confidence, processingTime        sql.NullFloat64
		startedAt, completedAt            sql.NullTime
		modality, status                  string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.DiseaseID, &d.ClassifierID, &name, &age, &sex, &modality,
		&inputFile, &inputData, &prediction, &confidence, &probabilities, &status,
		&errMsg, &processingTime, &d.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	d.Name = name.String
	d.Sex = sex.String
	d.InputFile = inputFile.String
	d.Prediction = prediction.String
	d.ErrorMessage = errMsg.String
	d.Modality = diagnosis.Modality(modality)
	d.Status = diagnosis.Status(status)
	if age.Valid {
		v := int(age.Int64)
		d.Age = &v
	}
	if confidence.Valid {
		d.Confidence = &confidence.Float64
	}
	if processingTime.Valid {
		d.ProcessingTime = &processingTime.Float64
	}
	if startedAt.Valid {
		d.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if inputData.Valid && inputData.String != "" {
		if err := json.Unmarshal([]byte(inputData.String), &d.InputData); err != nil {
			return nil, fmt.Errorf("decode input data of %s: %w", d.ID, err)
		}
	}
	if probabilities.Valid && probabilities.String != "" {
		if err := json.Unmarshal([]byte(probabilities.String), &d.Probabilities); err != nil {
			return nil, fmt.Errorf("decode probabilities of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func marshalNullable(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
