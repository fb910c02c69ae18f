package logic

// Display codes written to the countdown capabilities.
const (
	CodeArrived = "도착"
	CodeNone    = "없음"
	CodeBlank   = "-"
)

// Localized announcements.
const (
	MessageUnauthorized       = "인증키가 등록되지 않았어요"
	MessageForbidden          = "서비스 접근이 거부되었어요"
	MessageServiceUnavailable = "서버가 요청을 처리할 수 없어요"
	MessageError              = "앱에 오류가 발생했어요"
	MessageNoBus              = "운행 중인 버스가 없어요"
	MessageBusArrived         = "버스가 도착했어요"
	MessageBusAlreadyArrived  = "버스가 이미 도착했어요"
	MessageBusMissing         = "버스 도착 정보가 사라졌어요"
)

var reasonMessages = map[Reason]string{
	ReasonUnauthorized:       MessageUnauthorized,
	ReasonForbidden:          MessageForbidden,
	ReasonServiceUnavailable: MessageServiceUnavailable,
	ReasonError:              MessageError,
	ReasonNoBus:              MessageNoBus,
}

// Message returns the text announced for a terminal decision, or "" for DISPLAY.
func (d Decision) Message() string {
	switch d.Kind {
	case KindBusArrived:
		return MessageBusArrived
	case KindAlreadyArrived:
		return MessageBusAlreadyArrived
	case KindBusMissing:
		return MessageBusMissing
	case KindNoData:
		if m, ok := reasonMessages[d.Reason]; ok {
			return m
		}
		return MessageError
	}
	return ""
}
