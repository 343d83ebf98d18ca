package griddisco

import (
	"encoding/json"
	"time"
)

// EventRecord is one entry in the coordinator's event log (spec.md section
// 5). joiningData and customMessage are deliberately unexported: they never
// belong in the single persisted "events" payload (every future joiner
// would otherwise have to download every joiner's and every custom
// message's full body just to replay topology), so encoding/json's
// skip-unexported-fields behavior drops them from the wire form for free.
// They are set only on the coordinator's own in-memory records, by
// AppendJoin and AppendCustom; a record decoded from the events payload
// carries neither.
type EventRecord struct {
	EventID   int64              `json:"eventId"`
	EventType DiscoveryEventType `json:"eventType"`
	TopVer    int64              `json:"topVer"`
	Node      *ClusterNode       `json:"node,omitempty"`

	// CustomEventPath is the customEvents/ child name a CustomEvent record
	// points at, so that a member other than the coordinator can fetch the
	// message body and post its own ack child.
	CustomEventPath string `json:"customEventPath,omitempty"`

	joiningData   []byte
	customMessage []byte
}

// JoiningData returns the joiner's exchange payload, populated only on a
// NodeJoined record built by AppendJoin.
func (r *EventRecord) JoiningData() []byte { return r.joiningData }

// CustomMessage returns the message body, populated only on a CustomEvent
// record built by AppendCustom.
func (r *EventRecord) CustomMessage() []byte { return r.customMessage }

// EventLog is the coordinator-owned, append-only sequence of topology
// events. It is not safe for concurrent use; callers serialize access
// through the single dispatch goroutine that owns discovery state.
type EventLog struct {
	gridStartTime time.Time
	topVer        int64
	nextEventID   int64
	procCustEvt   int64
	records       []*EventRecord
}

func newEventLog() *EventLog {
	return &EventLog{}
}

// GridStartTime returns the creation timestamp of the cluster lineage.
func (l *EventLog) GridStartTime() time.Time { return l.gridStartTime }

// SetGridStartTime stamps the cluster lineage's creation time. Only the
// first-ever coordinator (an empty log) may call this.
func (l *EventLog) SetGridStartTime(t time.Time) { l.gridStartTime = t }

// ProcCustEvt returns the highest custom-event store sequence already
// absorbed into the log.
func (l *EventLog) ProcCustEvt() int64 { return l.procCustEvt }

// SetProcCustEvt updates the high-water mark for absorbed custom-event
// sequences. Only the coordinator calls this, and only monotonically.
func (l *EventLog) SetProcCustEvt(seq int64) { l.procCustEvt = seq }

func (l *EventLog) nextID() int64 {
	l.nextEventID++
	return l.nextEventID
}

// AppendJoin records a node join, bumping topVer.
func (l *EventLog) AppendJoin(node *ClusterNode, joiningData []byte) *EventRecord {
	l.topVer++
	rec := &EventRecord{
		EventID:     l.nextID(),
		EventType:   EventNodeJoined,
		TopVer:      l.topVer,
		Node:        node,
		joiningData: joiningData,
	}
	l.records = append(l.records, rec)
	return rec
}

// AppendFail records a node failure, bumping topVer.
func (l *EventLog) AppendFail(node *ClusterNode) *EventRecord {
	l.topVer++
	rec := &EventRecord{
		EventID:   l.nextID(),
		EventType: EventNodeFailed,
		TopVer:    l.topVer,
		Node:      node,
	}
	l.records = append(l.records, rec)
	return rec
}

// AppendCustom records a custom message. It does not advance topVer: a
// custom message does not change cluster membership.
func (l *EventLog) AppendCustom(sender *ClusterNode, body []byte, customEventPath string) *EventRecord {
	rec := &EventRecord{
		EventID:         l.nextID(),
		EventType:       EventCustomMessage,
		TopVer:          l.topVer,
		Node:            sender,
		CustomEventPath: customEventPath,
		customMessage:   body,
	}
	l.records = append(l.records, rec)
	return rec
}

// TopVer returns the current topology version.
func (l *EventLog) TopVer() int64 { return l.topVer }

// LastEventID returns the id of the most recently appended record, or 0 if
// nothing has ever been appended. Prune does not reset it.
func (l *EventLog) LastEventID() int64 { return l.nextEventID }

// Get looks a record up by id.
func (l *EventLog) Get(eventID int64) (*EventRecord, bool) {
	for _, r := range l.records {
		if r.EventID == eventID {
			return r, true
		}
	}
	return nil, false
}

// Since returns every record with EventID strictly greater than
// lastProcessedEventID, in order. Callers (member.go's replay loop) track
// their own cursor and pass it in each time they observe the events path
// change.
func (l *EventLog) Since(lastProcessedEventID int64) []*EventRecord {
	out := make([]*EventRecord, 0, len(l.records))
	for _, r := range l.records {
		if r.EventID > lastProcessedEventID {
			out = append(out, r)
		}
	}
	return out
}

// Prune drops every record with EventID < minEventID, which must be no
// larger than the smallest eventId still needed by any alive member or
// pending ack; the caller (gc.go's compaction pass) is responsible for
// establishing that bound. It returns the dropped records.
func (l *EventLog) Prune(minEventID int64) []*EventRecord {
	cut := 0
	for cut < len(l.records) && l.records[cut].EventID < minEventID {
		cut++
	}
	dropped := l.records[:cut]
	l.records = l.records[cut:]
	return dropped
}

// Len returns the number of records currently retained.
func (l *EventLog) Len() int { return len(l.records) }

// allRecords returns every currently retained record, in order. Package-
// internal only; gc.go's compaction pass is the sole caller outside this
// file.
func (l *EventLog) allRecords() []*EventRecord { return l.records }

// SeedTopVer sets topVer directly, used only by the very first coordinator
// of a brand-new cluster lineage, whose own join is synthesized rather than
// recorded as an event (spec.md section 8 scenario 1: evtIdGen stays 0).
func (l *EventLog) SeedTopVer(v int64) { l.topVer = v }

// eventLogWire is EventLog's persisted form: the single payload written to
// PathCatalog.EventsPath().
type eventLogWire struct {
	GridStartTime time.Time      `json:"gridStartTime"`
	TopVer        int64          `json:"topVer"`
	NextEventID   int64          `json:"evtIdGen"`
	ProcCustEvt   int64          `json:"procCustEvt"`
	Records       []*EventRecord `json:"events"`
}

// MarshalJSON implements json.Marshaler directly on *EventLog so its
// unexported fields still round-trip through the persisted payload, while
// each EventRecord's own unexported joiningData/customMessage stay dropped.
func (l *EventLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventLogWire{
		GridStartTime: l.gridStartTime,
		TopVer:        l.topVer,
		NextEventID:   l.nextEventID,
		ProcCustEvt:   l.procCustEvt,
		Records:       l.records,
	})
}

// UnmarshalJSON implements json.Unmarshaler for *EventLog.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var w eventLogWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l.gridStartTime = w.GridStartTime
	l.topVer = w.TopVer
	l.nextEventID = w.NextEventID
	l.procCustEvt = w.ProcCustEvt
	l.records = w.Records
	return nil
}
