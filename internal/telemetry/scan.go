package telemetry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item          Trace
		name          sql.NullString
		userID        sql.NullString
		sessionID     sql.NullString
		input         sql.NullString
		output        sql.NullString
		metadata      sql.NullString
		release       sql.NullString
		version       sql.NullString
		public        sql.NullBool
		timestampText sql.NullString
		createdAtText sql.NullString
		updatedAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.ProjectID,
		&name,
		&userID,
		&sessionID,
		&input,
		&output,
		&metadata,
		&release,
		&version,
		&public,
		&timestampText,
		&createdAtText,
		&updatedAtText,
	); err != nil {
		return nil, err
	}

	item.Name = name.String
	item.UserID = userID.String
	item.SessionID = sessionID.String
	item.Input = input.String
	item.Output = output.String
	item.Metadata = metadata.String
	item.Release = release.String
	item.Version = version.String
	item.Public = public.Valid && public.Bool

	var err error
	if item.Timestamp, err = parseStoredTime(timestampText); err != nil {
		return nil, fmt.Errorf("parse trace timestamp: %w", err)
	}
	if item.CreatedAt, err = parseStoredTime(createdAtText); err != nil {
		return nil, fmt.Errorf("parse trace created_at: %w", err)
	}
	if item.UpdatedAt, err = parseStoredTime(updatedAtText); err != nil {
		return nil, fmt.Errorf("parse trace updated_at: %w", err)
	}

	return &item, nil
}

func scanObservationRow(scanner rowScanner) (*Observation, error) {
	var (
		item                    Observation
		traceID                 sql.NullString
		name                    sql.NullString
		startTimeText           sql.NullString
		endTimeText             sql.NullString
		completionStartTimeText sql.NullString
		model                   sql.NullString
		modelParameters         sql.NullString
		input                   sql.NullString
		output                  sql.NullString
		metadata                sql.NullString
		parentObservationID     sql.NullString
		level                   sql.NullString
		statusMessage           sql.NullString
		version                 sql.NullString
		promptTokens            sql.NullInt64
		completionTokens        sql.NullInt64
		totalTokens             sql.NullInt64
		unit                    sql.NullString
		createdAtText           sql.NullString
		updatedAtText           sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.ProjectID,
		&traceID,
		&item.Type,
		&name,
		&startTimeText,
		&endTimeText,
		&completionStartTimeText,
		&model,
		&modelParameters,
		&input,
		&output,
		&metadata,
		&parentObservationID,
		&level,
		&statusMessage,
		&version,
		&promptTokens,
		&completionTokens,
		&totalTokens,
		&unit,
		&createdAtText,
		&updatedAtText,
	); err != nil {
		return nil, err
	}

	item.TraceID = traceID.String
	item.Name = name.String
	item.Model = model.String
	item.ModelParameters = modelParameters.String
	item.Input = input.String
	item.Output = output.String
	item.Metadata = metadata.String
	item.ParentObservationID = parentObservationID.String
	item.Level = level.String
	item.StatusMessage = statusMessage.String
	item.Version = version.String
	item.Unit = unit.String
	if promptTokens.Valid {
		v := int(promptTokens.Int64)
		item.PromptTokens = &v
	}
	if completionTokens.Valid {
		v := int(completionTokens.Int64)
		item.CompletionTokens = &v
	}
	if totalTokens.Valid {
		v := int(totalTokens.Int64)
		item.TotalTokens = &v
	}

	var err error
	if item.StartTime, err = parseStoredTime(startTimeText); err != nil {
		return nil, fmt.Errorf("parse observation start_time: %w", err)
	}
	if item.EndTime, err = parseStoredTime(endTimeText); err != nil {
		return nil, fmt.Errorf("parse observation end_time: %w", err)
	}
	if item.CompletionStartTime, err = parseStoredTime(completionStartTimeText); err != nil {
		return nil, fmt.Errorf("parse observation completion_start_time: %w", err)
	}
	if item.CreatedAt, err = parseStoredTime(createdAtText); err != nil {
		return nil, fmt.Errorf("parse observation created_at: %w", err)
	}
	if item.UpdatedAt, err = parseStoredTime(updatedAtText); err != nil {
		return nil, fmt.Errorf("parse observation updated_at: %w", err)
	}

	return &item, nil
}

func scanScoreRow(scanner rowScanner) (*Score, error) {
	var (
		item          Score
		observationID sql.NullString
		comment       sql.NullString
		timestampText sql.NullString
		createdAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.ProjectID,
		&item.TraceID,
		&observationID,
		&item.Name,
		&item.Value,
		&comment,
		&timestampText,
		&createdAtText,
	); err != nil {
		return nil, err
	}

	item.ObservationID = observationID.String
	item.Comment = comment.String

	var err error
	if item.Timestamp, err = parseStoredTime(timestampText); err != nil {
		return nil, fmt.Errorf("parse score timestamp: %w", err)
	}
	if item.CreatedAt, err = parseStoredTime(createdAtText); err != nil {
		return nil, fmt.Errorf("parse score created_at: %w", err)
	}

	return &item, nil
}

// parseStoredTime handles the text forms both sqlite and postgres produce
// when a timestamp column is cast to TEXT.
func parseStoredTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid {
		return time.Time{}, nil
	}
	value := strings.TrimSpace(raw.String)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05-07",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported stored datetime format %q", value)
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

func emptyAsNull(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func timePtrOrNil(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
