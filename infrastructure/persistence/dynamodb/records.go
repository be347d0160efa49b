package dynamodb

import (
	"fmt"
	"strconv"
	"time"

	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
)

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// Single-table layout. Every item for one entity shares the partition,
// so the commit transaction touches a single partition key:
//
//	ENTITY#<id> / METADATA           entity record (lock, pointer, balance)
//	ENTITY#<id> / VERSION#<vid>      immutable graph version
//	ENTITY#<id> / MSG#<mid>          pending message
//	ENTITY#<id> / AUDIT#<aid>        proposal audit record
//	PRESENCE#<id> / OWNER#<oid>      liveness heartbeat
//
// GSI1 indexes undelivered messages for the delivery poller:
// GSI1PK = MSGPENDING, GSI1SK = <DeliverAt RFC3339Nano>#<mid>.

const (
	skMetadata      = "METADATA"
	skVersionPrefix = "VERSION#"
	skMessagePrefix = "MSG#"
	skAuditPrefix   = "AUDIT#"

	gsi1Name       = "GSI1"
	gsi1PendingKey = "MSGPENDING"
)

func entityPK(entityID string) string   { return "ENTITY#" + entityID }
func versionSK(versionID string) string { return skVersionPrefix + versionID }
func messageSK(messageID string) string { return skMessagePrefix + messageID }
func auditSK(auditID string) string     { return skAuditPrefix + auditID }

// entityItem is the METADATA document. Revision backs the optimistic
// read-modify-write loop; it never leaves this package.
type entityItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	entities.EntityRecord
	Revision int64 `dynamodbav:"Revision"`
}

func newEntityItem(rec *entities.EntityRecord, revision int64) entityItem {
	return entityItem{
		PK:           entityPK(rec.ID),
		SK:           skMetadata,
		EntityRecord: *rec,
		Revision:     revision,
	}
}

type versionItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	aggregates.GraphVersion
}

func newVersionItem(version *aggregates.GraphVersion) versionItem {
	return versionItem{
		PK:           entityPK(version.EntityID),
		SK:           versionSK(version.ID),
		GraphVersion: *version,
	}
}

type messageItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	entities.PendingMessage
	// DeliverAtUnix duplicates DeliverAt in a numerically comparable
	// form for filter expressions.
	DeliverAtUnix int64  `dynamodbav:"DeliverAtUnix"`
	GSI1PK        string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK        string `dynamodbav:"GSI1SK,omitempty"`
}

func newMessageItem(msg *entities.PendingMessage) messageItem {
	return messageItem{
		PK:             entityPK(msg.EntityID),
		SK:             messageSK(msg.ID),
		PendingMessage: *msg,
		DeliverAtUnix:  msg.DeliverAt.UnixNano(),
		GSI1PK:         gsi1PendingKey,
		GSI1SK:         deliverySortKey(msg.DeliverAt, msg.ID),
	}
}

// deliverySortKey zero-pads the timestamp so lexicographic order on the
// index matches chronological order.
func deliverySortKey(deliverAt time.Time, messageID string) string {
	return fmt.Sprintf("%019d#%s", deliverAt.UnixNano(), messageID)
}

type auditItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	entities.AuditRecord
}

func newAuditItem(record *entities.AuditRecord) auditItem {
	return auditItem{
		PK:          entityPK(record.EntityID),
		SK:          auditSK(record.ID),
		AuditRecord: *record,
	}
}
