package icalendar

// Property and parameter names used by the scheduling engine that go-ical
// does not export constants for, plus the scheduling-specific X- names.
const (
	PropMethod        = "METHOD"
	PropSequence      = "SEQUENCE"
	PropRecurrenceID  = "RECURRENCE-ID"
	PropRRule         = "RRULE"
	PropRDate         = "RDATE"
	PropExDate        = "EXDATE"
	PropDue           = "DUE"
	PropDuration      = "DURATION"
	PropTransp        = "TRANSP"
	PropCompleted     = "COMPLETED"
	PropCreated       = "CREATED"
	PropLastModified  = "LAST-MODIFIED"
	PropRequestStatus = "REQUEST-STATUS"
	PropOrganizer     = "ORGANIZER"
	PropAttendee      = "ATTENDEE"
	PropVoter         = "VOTER"
	PropPollItemID    = "POLL-ITEM-ID"
	PropTZID          = "TZID"
	PropStatus        = "STATUS"
	PropSummary       = "SUMMARY"
	PropLocation      = "LOCATION"
	PropDescription   = "DESCRIPTION"
	PropDTStart       = "DTSTART"
	PropDTEnd         = "DTEND"
	PropDTStamp       = "DTSTAMP"
	PropUID           = "UID"
	PropFreeBusy      = "FREEBUSY"

	// Calendar Server extensions carried on stored attendee copies.
	PropPrivateComment  = "X-CALENDARSERVER-PRIVATE-COMMENT"
	PropAttendeeComment = "X-CALENDARSERVER-ATTENDEE-COMMENT"
	PropHiddenInstance  = "X-CALENDARSERVER-HIDDEN-INSTANCE"
	PropAccess          = "X-CALENDARSERVER-ACCESS"
	PropSplitOlderUID   = "X-CALENDARSERVER-SPLIT-OLDER-UID"
	PropSplitNewerUID   = "X-CALENDARSERVER-SPLIT-NEWER-UID"
	PropSplitRID        = "X-CALENDARSERVER-SPLIT-RID"
	PropMaskUID         = "X-CALENDARSERVER-MASK-UID"

	ParamPartStat       = "PARTSTAT"
	ParamRSVP           = "RSVP"
	ParamScheduleAgent  = "SCHEDULE-AGENT"
	ParamScheduleStatus = "SCHEDULE-STATUS"
	ParamScheduleForce  = "SCHEDULE-FORCE-SEND"
	ParamResponse       = "RESPONSE"
	ParamCUType         = "CUTYPE"
	ParamAttendeeRef    = "X-CALENDARSERVER-ATTENDEE-REF"
	ParamAttendeeStamp  = "X-CALENDARSERVER-DTSTAMP"
	ParamAuto           = "X-CALENDARSERVER-AUTO"

	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
	PartStatTentative   = "TENTATIVE"

	StatusCancelled = "CANCELLED"

	ScheduleAgentServer = "SERVER"
	ScheduleAgentClient = "CLIENT"
	ScheduleAgentNone   = "NONE"
)

// iTIP methods (RFC 5546).
const (
	MethodPublish        = "PUBLISH"
	MethodRequest        = "REQUEST"
	MethodReply          = "REPLY"
	MethodAdd            = "ADD"
	MethodCancel         = "CANCEL"
	MethodRefresh        = "REFRESH"
	MethodCounter        = "COUNTER"
	MethodDeclineCounter = "DECLINECOUNTER"
)

// ProductID is written into every calendar object this server produces.
const ProductID = "-//skedra.org//skedra scheduling//EN"
