package workflow

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// StepExecution records one step's execution within an instance run.
type StepExecution struct {
	StepID    string         `json:"step_id"`
	Role      string         `json:"role"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration"`
	Attempts  int            `json:"attempts"`
	Status    InstanceStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// ExecutionHistory records the complete execution path of one instance.
type ExecutionHistory struct {
	InstanceID   string          `json:"instance_id"`
	DefinitionID string          `json:"definition_id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Status       InstanceStatus  `json:"status"`
	Steps        []StepExecution `json:"steps"`
	Error        string          `json:"error,omitempty"`
	mu           sync.Mutex
}

// NewExecutionHistory starts a history record for an instance.
func NewExecutionHistory(instanceID, definitionID string) *ExecutionHistory {
	return &ExecutionHistory{
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		StartTime:    time.Now(),
		Status:       StatusRunning,
	}
}

// RecordStep appends a finished step execution.
func (h *ExecutionHistory) RecordStep(exec StepExecution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Steps = append(h.Steps, exec)
}

// Finish closes the history with the instance's terminal status.
func (h *ExecutionHistory) Finish(status InstanceStatus, lastError string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EndTime = time.Now()
	h.Status = status
	h.Error = lastError
}

// StepsCopy returns a copy of the recorded step executions.
func (h *ExecutionHistory) StepsCopy() []StepExecution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StepExecution, len(h.Steps))
	copy(out, h.Steps)
	return out
}

// ExecutionRecord is the archived form of a terminal instance.
type ExecutionRecord struct {
	ID           uint      `gorm:"primaryKey"`
	InstanceID   string    `gorm:"uniqueIndex;size:64"`
	DefinitionID string    `gorm:"index;size:64"`
	Status       string    `gorm:"size:16"`
	StartTime    time.Time `gorm:""`
	EndTime      time.Time `gorm:""`
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time
}

// StepRecord is one archived step execution.
type StepRecord struct {
	ID         uint   `gorm:"primaryKey"`
	InstanceID string `gorm:"index;size:64"`
	StepID     string `gorm:"size:64"`
	Role       string `gorm:"size:64"`
	Status     string `gorm:"size:16"`
	Attempts   int
	DurationMs int64
	Error      string `gorm:"type:text"`
	StartTime  time.Time
	EndTime    time.Time
}

// HistoryStore archives execution histories of terminal instances.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore creates the store and migrates its tables.
func NewHistoryStore(db *gorm.DB) (*HistoryStore, error) {
	if err := db.AutoMigrate(&ExecutionRecord{}, &StepRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history tables: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Archive persists a finished history.
func (s *HistoryStore) Archive(h *ExecutionHistory) error {
	h.mu.Lock()
	record := ExecutionRecord{
		InstanceID:   h.InstanceID,
		DefinitionID: h.DefinitionID,
		Status:       string(h.Status),
		StartTime:    h.StartTime,
		EndTime:      h.EndTime,
		Error:        h.Error,
	}
	steps := make([]StepRecord, 0, len(h.Steps))
	for _, st := range h.Steps {
		steps = append(steps, StepRecord{
			InstanceID: h.InstanceID,
			StepID:     st.StepID,
			Role:       st.Role,
			Status:     string(st.Status),
			Attempts:   st.Attempts,
			DurationMs: st.Duration.Milliseconds(),
			Error:      st.Error,
			StartTime:  st.StartTime,
			EndTime:    st.EndTime,
		})
	}
	h.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&steps).Error
	})
}

// ByInstance loads the archived record and steps for an instance.
func (s *HistoryStore) ByInstance(instanceID string) (*ExecutionRecord, []StepRecord, error) {
	var record ExecutionRecord
	if err := s.db.Where("instance_id = ?", instanceID).First(&record).Error; err != nil {
		return nil, nil, err
	}
	var steps []StepRecord
	if err := s.db.Where("instance_id = ?", instanceID).Order("start_time").Find(&steps).Error; err != nil {
		return nil, nil, err
	}
	return &record, steps, nil
}

// ByDefinition lists archived runs of a definition, newest first.
func (s *HistoryStore) ByDefinition(definitionID string, limit int) ([]ExecutionRecord, error) {
	var records []ExecutionRecord
	q := s.db.Where("definition_id = ?", definitionID).Order("start_time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
