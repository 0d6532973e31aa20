// Package diagnosis runs diagnosis requests through tabular predictors and
// tracks them from pending to a terminal state.
package diagnosis

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Modality string

const (
	ModalityTabular Modality = "Tabular"
	ModalityMRI     Modality = "MRI"
	ModalityCT      Modality = "CT"
	ModalityXRay    Modality = "X-Ray"
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityTabular, ModalityMRI, ModalityCT, ModalityXRay:
		return true
	}
	return false
}

var (
	ErrClassifierNotFound = errors.New("classifier not found")
	ErrClassifierInactive = errors.New("classifier is not active")
	ErrDiagnosisNotFound  = errors.New("diagnosis not found")
	ErrNotPending         = errors.New("diagnosis is not pending")
	ErrPredictTimeout     = errors.New("prediction timed out")
)

// Classifier is the registration of one trained model for one disease.
// StoragePath and ModelPath locate its artifact directory under the models root.
type Classifier struct {
	ID            string    `json:"id" validate:"required"`
	Name          string    `json:"name" validate:"required"`
	DiseaseID     string    `json:"disease_id" validate:"required"`
	DiseaseName   string    `json:"disease_name"`
	StoragePath   string    `json:"storage_path" validate:"required"`
	ModelPath     string    `json:"model_path" validate:"required"`
	Modality      Modality  `json:"modality" validate:"required"`
	Active        bool      `json:"is_active"`
	DiseaseActive bool      `json:"disease_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Diagnosis struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	DiseaseID      string                 `json:"disease_id"`
	ClassifierID   string                 `json:"classifier_id"`
	Name           string                 `json:"name,omitempty"`
	Age            *int                   `json:"age,omitempty"`
	Sex            string                 `json:"sex,omitempty"`
	Modality       Modality               `json:"modality"`
	InputData      map[string]interface{} `json:"input_data,omitempty"`
	InputFile      string                 `json:"input_file,omitempty"`
	Prediction     string                 `json:"prediction,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	Probabilities  map[string]float64     `json:"probabilities,omitempty"`
	Status         Status                 `json:"status"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Request is what a caller submits; patient name, age and sex are optional.
type Request struct {
	UserID       string                 `json:"user_id" validate:"required"`
	ClassifierID string                 `json:"classifier_id" validate:"required"`
	Name         string                 `json:"name,omitempty"`
	Age          *int                   `json:"age,omitempty" validate:"omitempty,gte=0,lte=150"`
	Sex          string                 `json:"sex,omitempty"`
	InputData    map[string]interface{} `json:"input_data,omitempty"`
	InputFile    string                 `json:"input_file,omitempty"`
}

// Completion is the terminal write for a processed diagnosis.
type Completion struct {
	Status         Status
	Prediction     string
	Confidence     *float64
	Probabilities  map[string]float64
	ErrorMessage   string
	ProcessingTime time.Duration
	CompletedAt    time.Time
}

type Filter struct {
	UserID    string
	DiseaseID string
	Status    Status
	Offset    int
	Limit     int
}

type Store interface {
	CreateDiagnosis(ctx context.Context, d *Diagnosis) error
	GetDiagnosis(ctx context.Context, id string) (*Diagnosis, error)
	ListDiagnoses(ctx context.Context, filter Filter) ([]*Diagnosis, error)
	// ClaimDiagnosis moves a pending record to processing. It returns
	// ErrNotPending when another worker got there first.
	ClaimDiagnosis(ctx context.Context, id string, startedAt time.Time) (*Diagnosis, error)
	// CompleteDiagnosis writes the terminal state of a processing record.
	// It returns ErrNotPending if the record is no longer processing.
	CompleteDiagnosis(ctx context.Context, id string, c Completion) error
	PendingDiagnosisIDs(ctx context.Context, limit int) ([]string, error)
	// FailStaleProcessing fails records stuck in processing since before the
	// cutoff and returns their ids.
	FailStaleProcessing(ctx context.Context, before time.Time, message string) ([]string, error)
}

type ClassifierLookup interface {
	GetClassifier(ctx context.Context, id string) (*Classifier, error)
}

// Notifier tells the requesting user about a terminal diagnosis. Delivery
// failures never change the stored state.
type Notifier interface {
	DiagnosisCompleted(ctx context.Context, d *Diagnosis, c *Classifier) error
	DiagnosisFailed(ctx context.Context, d *Diagnosis, c *Classifier) error
}
