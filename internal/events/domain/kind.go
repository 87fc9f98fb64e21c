package domain

type Kind string

const (
	KindPlanCreated       Kind = "plan_created"
	KindPlanUpdated       Kind = "plan_updated"
	KindPlanDeleted       Kind = "plan_deleted"
	KindPlanStatusChanged Kind = "plan_status_changed"

	KindActivityCreated   Kind = "activity_created"
	KindActivityUpdated   Kind = "activity_updated"
	KindActivityDeleted   Kind = "activity_deleted"
	KindActivityCompleted Kind = "activity_completed"

	KindMessageSent Kind = "message_sent"
	KindMessageRead Kind = "message_read"

	KindGroupMemberAdded   Kind = "group_member_added"
	KindGroupMemberRemoved Kind = "group_member_removed"
	KindGroupUpdated       Kind = "group_updated"

	KindFriendRequestReceived Kind = "friend_request_received"
	KindFriendRequestAccepted Kind = "friend_request_accepted"

	KindSystemAnnouncement Kind = "system_announcement"
	KindSystemMaintenance  Kind = "system_maintenance"
)

var pushWorthy = map[Kind]struct{}{
	KindPlanStatusChanged:     {},
	KindActivityCreated:       {},
	KindActivityUpdated:       {},
	KindActivityDeleted:       {},
	KindActivityCompleted:     {},
	KindMessageSent:           {},
	KindGroupMemberAdded:      {},
	KindFriendRequestReceived: {},
}

// PushWorthy reports whether offline recipients get a push for this kind.
func (k Kind) PushWorthy() bool {
	_, ok := pushWorthy[k]
	return ok
}

// IsSystem reports whether the kind is broadcast to the system room.
func (k Kind) IsSystem() bool {
	return k == KindSystemAnnouncement || k == KindSystemMaintenance
}

func (k Kind) Valid() bool {
	_, ok := decoders[k]
	return ok
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)
