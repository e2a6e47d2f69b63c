package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/UniQw/uniqw-dispatch/internal/model"
	"github.com/bytedance/sonic"
)

// Task hash fields.
const (
	FieldID                  = "id"
	FieldAccountID           = "account_id"
	FieldType                = "type"
	FieldPayload             = "payload"
	FieldStatus              = "status"
	FieldVersion             = "version"
	FieldCapabilities        = "capabilities"
	FieldCreatedAt           = "created_at"
	FieldExpiry              = "expiry"
	FieldEligible            = "eligible"
	FieldTried               = "tried"
	FieldValidated           = "validation_completed"
	FieldBroadcastCount      = "broadcast_count"
	FieldBroadcastRound      = "broadcast_round"
	FieldNextBroadcastAt     = "next_broadcast_at"
	FieldAssigned            = "assigned_delegate_id"
	FieldValidationStartedAt = "validation_started_at"
	FieldFailureReason       = "failure_reason"
	FieldCompletedAt         = "completed_at"
	FieldRevision            = "revision"
)

// EncodeTime renders t as unix milliseconds; the zero time is "0".
func EncodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// EncodeInt renders n the way the task hash stores integers.
func EncodeInt(n int) string { return strconv.Itoa(n) }

// EncodeStrings renders a list field as JSON; nil and empty lists are both "[]".
func EncodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func encodeTask(t *model.Task) []string {
	return []string{
		FieldID, t.ID,
		FieldAccountID, t.AccountID,
		FieldType, t.Type,
		FieldPayload, string(t.Payload),
		FieldStatus, string(t.Status),
		FieldVersion, t.Version,
		FieldCapabilities, EncodeStrings(t.RequiredCapabilities),
		FieldCreatedAt, EncodeTime(t.CreatedAt),
		FieldExpiry, EncodeTime(t.Expiry),
		FieldEligible, EncodeStrings(t.EligibleDelegateIDs),
		FieldTried, EncodeStrings(t.AlreadyTriedDelegates),
		FieldValidated, EncodeStrings(t.ValidationCompletedDelegateIDs),
		FieldBroadcastCount, EncodeInt(t.BroadcastCount),
		FieldBroadcastRound, EncodeInt(t.BroadcastRound),
		FieldNextBroadcastAt, EncodeTime(t.NextBroadcastAt),
		FieldAssigned, t.AssignedDelegateID,
		FieldValidationStartedAt, EncodeTime(t.ValidationStartedAt),
		FieldFailureReason, t.FailureReason,
		FieldCompletedAt, EncodeTime(t.CompletedAt),
		FieldRevision, strconv.FormatInt(t.Revision, 10),
	}
}

// decoder accumulates the first field error so decodeTask reads linearly.
type decoder struct {
	m   map[string]string
	err error
}

func (d *decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("field %s: %w", field, err)
	}
}

func (d *decoder) required(field string) string {
	v, ok := d.m[field]
	if !ok || v == "" {
		d.fail(field, fmt.Errorf("missing"))
	}
	return v
}

func (d *decoder) int64(field string) int64 {
	v, ok := d.m[field]
	if !ok {
		d.fail(field, fmt.Errorf("missing"))
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.fail(field, err)
	}
	return n
}

func (d *decoder) time(field string) time.Time {
	ms := d.int64(field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (d *decoder) strings(field string) []string {
	v := d.m[field]
	if v == "" || v == "[]" {
		return nil
	}
	var out []string
	if err := sonic.UnmarshalString(v, &out); err != nil {
		d.fail(field, err)
	}
	return out
}

// decodeTask rebuilds a task from its hash. An empty hash is ErrTaskNotFound;
// any structural problem is ErrCorruptedTask.
func decodeTask(m map[string]string) (*model.Task, error) {
	if len(m) == 0 {
		return nil, ErrTaskNotFound
	}
	d := &decoder{m: m}
	t := &model.Task{
		ID:                             d.required(FieldID),
		AccountID:                      d.required(FieldAccountID),
		Type:                           m[FieldType],
		Version:                        m[FieldVersion],
		RequiredCapabilities:           d.strings(FieldCapabilities),
		CreatedAt:                      d.time(FieldCreatedAt),
		Expiry:                         d.time(FieldExpiry),
		EligibleDelegateIDs:            d.strings(FieldEligible),
		AlreadyTriedDelegates:          d.strings(FieldTried),
		ValidationCompletedDelegateIDs: d.strings(FieldValidated),
		BroadcastCount:                 int(d.int64(FieldBroadcastCount)),
		BroadcastRound:                 int(d.int64(FieldBroadcastRound)),
		NextBroadcastAt:                d.time(FieldNextBroadcastAt),
		AssignedDelegateID:             m[FieldAssigned],
		ValidationStartedAt:            d.time(FieldValidationStartedAt),
		FailureReason:                  m[FieldFailureReason],
		CompletedAt:                    d.time(FieldCompletedAt),
		Revision:                       d.int64(FieldRevision),
	}
	if p := m[FieldPayload]; p != "" {
		t.Payload = []byte(p)
	}
	st, err := model.ParseStatus(d.required(FieldStatus))
	if err != nil {
		d.fail(FieldStatus, err)
	}
	t.Status = st
	if d.err != nil {
		return nil, fmt.Errorf("%w: id=%s %v", ErrCorruptedTask, m[FieldID], d.err)
	}
	return t, nil
}

// Delegate hash fields.
const (
	dFieldID           = "id"
	dFieldAccountID    = "account_id"
	dFieldHostName     = "host_name"
	dFieldIP           = "ip"
	dFieldGroupName    = "group_name"
	dFieldVersion      = "version"
	dFieldCapabilities = "capabilities"
	dFieldStatus       = "status"
	dFieldRegisteredAt = "registered_at"
	dFieldHeartbeat    = "last_heartbeat_at"
	dFieldDisconnected = "disconnected"
)

func encodeDelegate(d *model.Delegate) []string {
	disc := "0"
	if d.Disconnected {
		disc = "1"
	}
	status := d.Status
	if status == "" {
		status = model.DelegateEnabled
	}
	return []string{
		dFieldID, d.ID,
		dFieldAccountID, d.AccountID,
		dFieldHostName, d.HostName,
		dFieldIP, d.IP,
		dFieldGroupName, d.GroupName,
		dFieldVersion, d.Version,
		dFieldCapabilities, EncodeStrings(d.Capabilities),
		dFieldStatus, string(status),
		dFieldRegisteredAt, EncodeTime(d.RegisteredAt),
		dFieldHeartbeat, EncodeTime(d.LastHeartbeatAt),
		dFieldDisconnected, disc,
	}
}

func decodeDelegate(m map[string]string) (*model.Delegate, error) {
	if len(m) == 0 {
		return nil, ErrDelegateNotFound
	}
	d := &decoder{m: m}
	out := &model.Delegate{
		ID:              d.required(dFieldID),
		AccountID:       d.required(dFieldAccountID),
		HostName:        m[dFieldHostName],
		IP:              m[dFieldIP],
		GroupName:       m[dFieldGroupName],
		Version:         m[dFieldVersion],
		Capabilities:    d.strings(dFieldCapabilities),
		Status:          model.DelegateStatus(m[dFieldStatus]),
		RegisteredAt:    d.time(dFieldRegisteredAt),
		LastHeartbeatAt: d.time(dFieldHeartbeat),
		Disconnected:    m[dFieldDisconnected] == "1",
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode delegate %s: %v", m[dFieldID], d.err)
	}
	return out, nil
}

// Perpetual task hash fields.
const (
	pFieldID         = "id"
	pFieldAccountID  = "account_id"
	pFieldDelegateID = "delegate_id"
	pFieldTaskType   = "task_type"
	pFieldState      = "state"
	pFieldAssignedAt = "assigned_at"
)

func encodePerpetual(p *model.PerpetualTask) []string {
	return []string{
		pFieldID, p.ID,
		pFieldAccountID, p.AccountID,
		pFieldDelegateID, p.DelegateID,
		pFieldTaskType, p.TaskType,
		pFieldState, string(p.State),
		pFieldAssignedAt, EncodeTime(p.AssignedAt),
	}
}

func decodePerpetual(m map[string]string) (*model.PerpetualTask, error) {
	if len(m) == 0 {
		return nil, ErrPerpetualTaskNotFound
	}
	d := &decoder{m: m}
	out := &model.PerpetualTask{
		ID:         d.required(pFieldID),
		AccountID:  d.required(pFieldAccountID),
		DelegateID: m[pFieldDelegateID],
		TaskType:   m[pFieldTaskType],
		State:      model.PerpetualState(m[pFieldState]),
		AssignedAt: d.time(pFieldAssignedAt),
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode perpetual task %s: %v", m[pFieldID], d.err)
	}
	return out, nil
}

func toArgs(kv []string) []any {
	out := make([]any, len(kv))
	for i, v := range kv {
		out[i] = v
	}
	return out
}
