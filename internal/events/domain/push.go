package domain

import "fmt"

// PushContent renders the notification title and body shown to offline users.
func PushContent(e Event) (title, body string) {
	switch p := e.payload.(type) {
	case PlanStatusChanged:
		return "Plan status updated", fmt.Sprintf("Your plan is now %s", p.NewStatus)
	case ActivityChanged:
		return activityTitle(e.kind), nonEmpty(p.Title, "An activity in your plan changed")
	case MessageSent:
		return "New message", nonEmpty(p.Preview, "You have a new message")
	case GroupMemberChanged:
		return "Group update", "A new member joined your group"
	case FriendRequest:
		return "Friend request", "You have a new friend request"
	case SystemNotice:
		return "Tripline", p.Message
	}
	return "Tripline", string(e.kind)
}

func activityTitle(k Kind) string {
	switch k {
	case KindActivityCreated:
		return "New activity"
	case KindActivityDeleted:
		return "Activity removed"
	case KindActivityCompleted:
		return "Activity completed"
	}
	return "Activity updated"
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
