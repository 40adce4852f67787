package codec

import "fmt"

// KindName returns a human-readable name for a packet kind, matching the
// teacher's PayloadTypeName/RouteTypeName naming-table convention.
func KindName(k Kind) string {
	switch k {
	case KindMsgFragment:
		return "MSG_FRAGMENT"
	case KindAck:
		return "ACK"
	case KindNack:
		return "NACK"
	case KindFloodRequest:
		return "FLOOD_REQUEST"
	case KindFloodResponse:
		return "FLOOD_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// NackTypeName returns a human-readable name for a NACK reason.
func NackTypeName(n NackType) string {
	switch n {
	case NackDropped:
		return "DROPPED"
	case NackErrorInRouting:
		return "ERROR_IN_ROUTING"
	case NackDestinationIsDrone:
		return "DESTINATION_IS_DRONE"
	case NackUnexpectedRecipient:
		return "UNEXPECTED_RECIPIENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", n)
	}
}
