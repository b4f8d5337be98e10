package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/mesh"
	"github.com/skobkin/simsnode/internal/persistence"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	maxRequestBody      = 4 << 10
)

type nodeView struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"`
	Version   string `json:"version"`
	BootCount uint32 `json:"boot_count"`
}

type displayView struct {
	Radio         string `json:"radio"`
	RadioDriver   string `json:"radio_driver,omitempty"`
	RadioError    string `json:"radio_error,omitempty"`
	Clients       int    `json:"clients"`
	Phase         string `json:"phase,omitempty"`
	TxCount       uint32 `json:"tx_count"`
	LastAirtimeMS int64  `json:"last_airtime_ms"`
	MeshMessages  uint32 `json:"mesh_messages"`
	Link          string `json:"link"`
	Awake         bool   `json:"awake"`
}

type radioView struct {
	Sent      uint32  `json:"sent"`
	Received  uint32  `json:"received"`
	TxErrors  uint32  `json:"tx_errors"`
	RxErrors  uint32  `json:"rx_errors"`
	LastRSSI  int     `json:"last_rssi"`
	LastSNR   float32 `json:"last_snr"`
	Listening bool    `json:"listening"`
}

type bridgeView struct {
	Clients   int `json:"clients"`
	Queue     int `json:"queue"`
	PendingTx int `json:"pending_tx"`
}

type meshView struct {
	Sent        uint32 `json:"sent"`
	Received    uint32 `json:"received"`
	Relayed     uint32 `json:"relayed"`
	Dropped     uint32 `json:"dropped"`
	Neighbours  int    `json:"neighbours"`
	PendingAcks int    `json:"pending_acks"`
}

type statusView struct {
	Node    nodeView     `json:"node"`
	Display *displayView `json:"display,omitempty"`
	Radio   *radioView   `json:"radio,omitempty"`
	Bridge  *bridgeView  `json:"bridge,omitempty"`
	Mesh    *meshView    `json:"mesh,omitempty"`
}

type neighbourView struct {
	ID         string    `json:"id"`
	LastSeen   time.Time `json:"last_seen"`
	AgeSeconds int64     `json:"age_seconds"`
	RSSI       int       `json:"rssi"`
	SNR        float32   `json:"snr"`
	Link       string    `json:"link"`
}

type messageView struct {
	ID          int64      `json:"id"`
	Direction   string     `json:"direction"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Sequence    uint16     `json:"sequence"`
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	Hops        uint8      `json:"hops"`
	Text        string     `json:"text,omitempty"`
	Payload     []byte     `json:"payload"`
	RSSI        int        `json:"rssi"`
	SNR         float32    `json:"snr"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

type sendRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Text     string `json:"text"`
}

type sendResponse struct {
	Sequence    uint16 `json:"sequence"`
	Destination string `json:"destination"`
}

var priorityNames = map[string]mesh.Priority{
	"critical": mesh.PriorityCritical,
	"high":     mesh.PriorityHigh,
	"normal":   mesh.PriorityNormal,
	"low":      mesh.PriorityLow,
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	d := s.deps
	out := statusView{
		Node: nodeView{
			ID:        d.Node.DeviceID.String(),
			Mode:      d.Node.Mode,
			Version:   d.Node.Version,
			BootCount: d.Node.BootCount,
		},
	}

	if d.Display != nil {
		st := d.Display.Status()
		out.Display = &displayView{
			Radio:         string(st.Radio),
			RadioDriver:   st.RadioDriver,
			RadioError:    st.RadioErr,
			Clients:       st.Clients,
			Phase:         st.Phase,
			TxCount:       st.TxCount,
			LastAirtimeMS: st.LastAirtime.Milliseconds(),
			MeshMessages:  st.MeshMessages,
			Link:          st.LastLink.String(),
			Awake:         st.Awake,
		}
	}
	if d.Radio != nil {
		if st, ok := d.Radio(); ok {
			out.Radio = &radioView{
				Sent:      st.Sent,
				Received:  st.Received,
				TxErrors:  st.TxErrors,
				RxErrors:  st.RxErrors,
				LastRSSI:  st.LastRSSI,
				LastSNR:   st.LastSNR,
				Listening: st.Listening,
			}
		}
	}
	if d.Bridge != nil {
		out.Bridge = &bridgeView{
			Clients:   d.Bridge.ConnectedCount(),
			Queue:     d.Bridge.QueueLen(),
			PendingTx: d.Bridge.PendingTx(),
		}
	}
	if d.Mesh != nil {
		st := d.Mesh.Stats()
		out.Mesh = &meshView{
			Sent:        st.Sent,
			Received:    st.Received,
			Relayed:     st.Relayed,
			Dropped:     st.Dropped,
			Neighbours:  len(d.Mesh.Neighbours()),
			PendingAcks: d.Mesh.PendingAcks(),
		}
	}

	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) neighbours(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Now()
	list := s.deps.Mesh.Neighbours()
	sort.Slice(list, func(i, j int) bool { return list[i].LastSeen.After(list[j].LastSeen) })

	out := make([]neighbourView, 0, len(list))
	for _, n := range list {
		out = append(out, neighbourView{
			ID:         n.ID.String(),
			LastSeen:   n.LastSeen,
			AgeSeconds: int64(now.Sub(n.LastSeen) / time.Second),
			RSSI:       n.RSSI,
			SNR:        n.SNR,
			Link:       domain.DetermineSignalQuality(n.SNR, n.RSSI).String(),
		})
	}

	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMessageLimit {
			errorResponse(w, http.StatusBadRequest, "limit must be 1.."+strconv.Itoa(maxMessageLimit))
			return
		}
		limit = n
	}

	recs, err := s.deps.Messages.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list messages", "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]messageView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toMessageView(rec))
	}

	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dest, err := parseDestination(req.To)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := parseMessageType(req.Type)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	prio, ok := priorityNames[strings.ToLower(strings.TrimSpace(req.Priority))]
	if strings.TrimSpace(req.Priority) == "" {
		prio, ok = mesh.PriorityNormal, true
	}
	if !ok {
		errorResponse(w, http.StatusBadRequest, "unknown priority: "+req.Priority)
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	seq, err := s.deps.Mesh.Send(dest, typ, prio, []byte(req.Text))
	switch {
	case errors.Is(err, mesh.ErrPayloadTooLarge):
		errorResponse(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, mesh.ErrNoDeviceID):
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("queue mesh message", "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to queue message")
		return
	}

	s.logger.Info("queued mesh message", "to", dest.String(), "type", typ.String(), "sequence", seq)
	jsonResponse(w, http.StatusAccepted, sendResponse{Sequence: seq, Destination: dest.String()})
}

func parseDestination(raw string) (domain.DeviceID, error) {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "broadcast") {
		return domain.Broadcast, nil
	}

	return domain.ParseDeviceID(v)
}

func parseMessageType(raw string) (mesh.MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "data":
		return mesh.TypeData, nil
	case "incident":
		return mesh.TypeIncident, nil
	default:
		return 0, errors.New("type must be data or incident")
	}
}

func toMessageView(rec persistence.MessageRecord) messageView {
	v := messageView{
		ID:          rec.ID,
		Direction:   "inbound",
		Source:      domain.DeviceID(rec.Source).String(),
		Destination: domain.DeviceID(rec.Destination).String(),
		Sequence:    rec.Sequence,
		Type:        mesh.MessageType(rec.Type).String(),
		Priority:    priorityName(mesh.Priority(rec.Priority)),
		Hops:        rec.Hops,
		Payload:     rec.Payload,
		RSSI:        rec.RSSI,
		SNR:         rec.SNR,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.Direction == persistence.DirectionOutbound {
		v.Direction = "outbound"
	}
	if utf8.Valid(rec.Payload) {
		v.Text = string(rec.Payload)
	}
	if !rec.SentAt.IsZero() {
		at := rec.SentAt
		v.SentAt = &at
	}

	return v
}

func priorityName(p mesh.Priority) string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}

	return strconv.Itoa(int(p))
}
