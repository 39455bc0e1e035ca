package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"webhookd/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies *.sql files in lexical order. Dev helper; production
// deploys run migrations out of band.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(raw)); err != nil {
			return fmt.Errorf("migration %s: %w", f, err)
		}
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions
		  (id, org_id, name, endpoint_url, event_types, is_active, max_attempts, timeout_seconds, secret_ciphertext, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sub.ID, sub.OrgID, sub.Name, sub.EndpointURL, pqStringArray(sub.EventTypes),
		sub.IsActive, sub.MaxAttempts, sub.TimeoutSeconds, sub.SecretCiphertext,
		sub.CreatedAt, sub.UpdatedAt)
	return err
}

const subColumns = `id, org_id, name, endpoint_url, event_types, is_active, max_attempts, timeout_seconds, secret_ciphertext, total_deliveries, successful_deliveries, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (model.Subscription, error) {
	var s model.Subscription
	var types []byte
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.EndpointURL, &types, &s.IsActive,
		&s.MaxAttempts, &s.TimeoutSeconds, &s.SecretCiphertext,
		&s.TotalDeliveries, &s.SuccessfulDeliveries, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Subscription{}, err
	}
	s.EventTypes = parsePGTextArray(string(types))
	return s, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM webhook_subscriptions WHERE org_id=$1 AND id=$2`, orgID, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListSubscriptions(ctx context.Context, orgID string, limit, offset int) ([]model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM webhook_subscriptions WHERE org_id=$1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSubscription(ctx context.Context, sub model.Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET name=$3, endpoint_url=$4, event_types=$5, is_active=$6, max_attempts=$7, timeout_seconds=$8, updated_at=now()
		WHERE org_id=$1 AND id=$2`,
		sub.OrgID, sub.ID, sub.Name, sub.EndpointURL, pqStringArray(sub.EventTypes),
		sub.IsActive, sub.MaxAttempts, sub.TimeoutSeconds)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *Postgres) UpdateSubscriptionSecret(ctx context.Context, orgID, id string, ciphertext []byte) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET secret_ciphertext=$3, updated_at=now() WHERE org_id=$1 AND id=$2`,
		orgID, id, ciphertext)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *Postgres) DeleteSubscription(ctx context.Context, orgID, id string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status='cancelled', last_error='subscription deleted', next_attempt_at=NULL
		WHERE subscription_id=$1 AND status IN ('pending','retrying')`, id)
	if err != nil {
		return 0, err
	}
	cancelled, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(cancelled), nil
}

func (p *Postgres) SubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM webhook_subscriptions
		 WHERE org_id=$1 AND is_active AND $2 = ANY(event_types)
		 ORDER BY created_at, id`, orgID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueDelivery(ctx context.Context, d model.Delivery) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
		  (id, org_id, subscription_id, event_id, event_type, payload, attempts, status, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,'pending',$7,$8)`,
		d.ID, d.OrgID, d.SubscriptionID, d.EventID, d.EventType, []byte(d.Payload),
		nullableTime(d.NextAttemptAt), d.CreatedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET total_deliveries = total_deliveries + 1 WHERE id=$1`, d.SubscriptionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const delColumns = `id, org_id, subscription_id, event_id, event_type, payload, attempts, status, response_code, response_body, latency_ms, last_error, next_attempt_at, delivered_at, created_at`

func scanDelivery(row interface{ Scan(...any) error }) (model.Delivery, error) {
	var d model.Delivery
	var payload []byte
	var code, latency sql.NullInt64
	var body, lastErr sql.NullString
	var nextAt, deliveredAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrgID, &d.SubscriptionID, &d.EventID, &d.EventType, &payload,
		&d.Attempts, &d.Status, &code, &body, &latency, &lastErr, &nextAt, &deliveredAt, &d.CreatedAt)
	if err != nil {
		return model.Delivery{}, err
	}
	d.Payload = payload
	d.ResponseCode = int(code.Int64)
	d.ResponseBody = body.String
	d.LatencyMs = int(latency.Int64)
	d.LastError = lastErr.String
	if nextAt.Valid {
		t := nextAt.Time
		d.NextAttemptAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

func (p *Postgres) FetchDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+delColumns+` FROM webhook_deliveries
		WHERE status IN ('pending','retrying') AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY next_attempt_at NULLS FIRST, created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkAttempt(ctx context.Context, deliveryID string, att model.Attempt, status model.DeliveryStatus, nextAttemptAt *time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_delivery_attempts (delivery_id, number, response_code, response_body, error, latency_ms, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		deliveryID, att.Number, att.ResponseCode, att.ResponseBody, att.Error, att.LatencyMs, att.At)
	if err != nil {
		return err
	}

	var deliveredAt any
	if status == model.StatusDelivered {
		deliveredAt = att.At
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, status=$2, response_code=$3, response_body=$4, latency_ms=$5,
		    last_error=$6, next_attempt_at=$7, delivered_at=COALESCE($8, delivered_at)
		WHERE id=$1`,
		deliveryID, status, att.ResponseCode, att.ResponseBody, att.LatencyMs,
		att.Error, nullableTime(nextAttemptAt), deliveredAt)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	if status == model.StatusDelivered {
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_subscriptions SET successful_deliveries = successful_deliveries + 1
			WHERE id = (SELECT subscription_id FROM webhook_deliveries WHERE id=$1)`, deliveryID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) CancelDelivery(ctx context.Context, deliveryID, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status='cancelled', last_error=$2, next_attempt_at=NULL
		WHERE id=$1 AND status IN ('pending','retrying')`, deliveryID, reason)
	return err
}

func (p *Postgres) GetDelivery(ctx context.Context, orgID, id string) (model.Delivery, []model.Attempt, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+delColumns+` FROM webhook_deliveries WHERE org_id=$1 AND id=$2`, orgID, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, nil, ErrNotFound
	}
	if err != nil {
		return model.Delivery{}, nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT number, response_code, response_body, error, latency_ms, at
		FROM webhook_delivery_attempts WHERE delivery_id=$1 ORDER BY at, number`, id)
	if err != nil {
		return model.Delivery{}, nil, err
	}
	defer rows.Close()
	var atts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.Number, &a.ResponseCode, &a.ResponseBody, &a.Error, &a.LatencyMs, &a.At); err != nil {
			return model.Delivery{}, nil, err
		}
		atts = append(atts, a)
	}
	return d, atts, rows.Err()
}

func (p *Postgres) ListDeliveries(ctx context.Context, orgID string, f model.DeliveryFilter) ([]model.Delivery, error) {
	where := []string{"org_id=$1"}
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubscriptionID != "" {
		add("subscription_id=$%d", f.SubscriptionID)
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.EventType != "" {
		add("event_type=$%d", f.EventType)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT `+delColumns+` FROM webhook_deliveries WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) RetryDelivery(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status='pending', attempts=0, last_error='', next_attempt_at=now()
		WHERE org_id=$1 AND id=$2 AND status IN ('exhausted','cancelled')`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE org_id=$1 AND id=$2)`, orgID, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status IN ('delivered','exhausted','cancelled') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func mustAffect(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// pqStringArray renders a Go slice as a Postgres text[] literal.
func pqStringArray(items []string) any {
	if len(items) == 0 {
		return nil
	}
	esc := make([]string, len(items))
	for i, s := range items {
		esc[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(esc, ",") + "}"
}

// parsePGTextArray decodes a text[] literal like {a,b} or {"a","b"}.
func parsePGTextArray(s string) []string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []string{}
	}
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(inner):
			i++
			cur.WriteByte(inner[i])
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}
