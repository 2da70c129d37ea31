package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

// TransportPolicy resolves the options of a new transport.
type TransportPolicy interface {
	Resolve(core.TransportOverrides) core.TransportOptions
}

type TransportInfo struct {
	ID        string           `json:"id"`
	Direction domain.Direction `json:"direction"`
}

type ProducerInfo struct {
	ID     string           `json:"id"`
	Kind   domain.MediaKind `json:"kind"`
	Paused bool             `json:"paused"`
}

type ConsumerInfo struct {
	ID             string                     `json:"id"`
	ProducerID     string                     `json:"producerId"`
	ProducerOwner  domain.UserID              `json:"producerOwner"`
	Kind           domain.MediaKind           `json:"kind"`
	Paused         bool                       `json:"paused"`
	ProducerPaused bool                       `json:"producerPaused"`
	Offer          *webrtc.SessionDescription `json:"offer,omitempty"`
	AppData        map[string]any             `json:"appData,omitempty"`
}

// Removal describes what RemoveParticipant tore down.
type Removal struct {
	ProducerIDs []string
	RoomClosed  bool
}

type RoomManagerOption func(*RoomManager)

// WithMaxParticipants caps the number of participants per room; zero
// means unlimited.
func WithMaxParticipants(n int) RoomManagerOption {
	return func(m *RoomManager) { m.maxParticipants = n }
}

// WithRoomClosedHook is called, outside any lock, after a room is destroyed.
func WithRoomClosedHook(f func(domain.RoomName)) RoomManagerOption {
	return func(m *RoomManager) { m.onRoomClosed = f }
}

type producerEntry struct {
	core.Producer
	transportID string
}

type consumerEntry struct {
	core.Consumer
	transportID string
}

type participant struct {
	member     domain.Member
	muted      bool
	transports map[domain.Direction]core.Transport
	reserving  map[domain.Direction]bool
	producers  map[string]producerEntry
	consumers  map[string]consumerEntry
}

func newParticipant(m domain.Member) *participant {
	return &participant{
		member:     m,
		transports: make(map[domain.Direction]core.Transport),
		reserving:  make(map[domain.Direction]bool),
		producers:  make(map[string]producerEntry),
		consumers:  make(map[string]consumerEntry),
	}
}

type room struct {
	name         domain.RoomName
	router       core.Router
	participants map[domain.UserID]*participant
}

// objectRef locates a transport, producer or consumer.
type objectRef struct {
	room  domain.RoomName
	owner domain.UserID
}

// RoomManager is the only owner of room, participant and media object
// tables. Media calls are never made while holding mu.
type RoomManager struct {
	routers         core.RouterFactory
	policy          TransportPolicy
	maxParticipants int
	onRoomClosed    func(domain.RoomName)
	logger          zerolog.Logger

	creating singleflight.Group

	mu         sync.Mutex
	rooms      map[domain.RoomName]*room
	transports map[string]objectRef
	producers  map[string]objectRef
	consumers  map[string]objectRef
}

func NewRoomManager(routers core.RouterFactory, policy TransportPolicy, opts ...RoomManagerOption) *RoomManager {
	m := &RoomManager{
		routers:    routers,
		policy:     policy,
		logger:     log.With().Str("module", "app.rooms").Logger(),
		rooms:      make(map[domain.RoomName]*room),
		transports: make(map[string]objectRef),
		producers:  make(map[string]objectRef),
		consumers:  make(map[string]objectRef),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// mediaErr classifies a failed media call as a transport error unless it
// already carries a domain error.
func mediaErr(op string, err error) error {
	for _, known := range []error{
		domain.ErrNotFound, domain.ErrUnauthorized, domain.ErrBadRequest,
		domain.ErrTransport, domain.ErrWorkerDied, domain.ErrAlreadyExists,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
}

// RegisterParticipant creates the room on first join and adds or updates
// the participant.
func (m *RoomManager) RegisterParticipant(ctx context.Context, name domain.RoomName, member domain.Member) error {
	for {
		m.mu.Lock()
		if r, ok := m.rooms[name]; ok {
			err := m.addParticipantLocked(r, member)
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()

		if _, err, _ := m.creating.Do(string(name), func() (any, error) {
			return nil, m.createRoom(ctx, name)
		}); err != nil {
			return err
		}
	}
}

func (m *RoomManager) addParticipantLocked(r *room, member domain.Member) error {
	uid := member.User.ID
	if p, ok := r.participants[uid]; ok {
		p.member = member
		return nil
	}
	if m.maxParticipants > 0 && len(r.participants) >= m.maxParticipants {
		return fmt.Errorf("room %s full: %w", r.name, domain.ErrTransport)
	}
	r.participants[uid] = newParticipant(member)
	m.logger.Info().Str("room", string(r.name)).Str("user", uid.String()).Int("participants", len(r.participants)).Msg("participant registered")
	return nil
}

func (m *RoomManager) createRoom(ctx context.Context, name domain.RoomName) error {
	m.mu.Lock()
	_, exists := m.rooms[name]
	m.mu.Unlock()
	if exists {
		return nil
	}

	router, err := m.routers.CreateRouter(ctx, core.RouterOptions{Room: name})
	if err != nil {
		return mediaErr("create router", err)
	}

	m.mu.Lock()
	m.rooms[name] = &room{name: name, router: router, participants: make(map[domain.UserID]*participant)}
	m.mu.Unlock()
	m.logger.Info().Str("room", string(name)).Str("router", router.ID()).Int("worker", router.WorkerID()).Msg("room created")
	return nil
}

func (m *RoomManager) lookupLocked(name domain.RoomName, uid domain.UserID) (*room, *participant, error) {
	r, ok := m.rooms[name]
	if !ok {
		return nil, nil, fmt.Errorf("room %s: %w", name, domain.ErrNotFound)
	}
	p, ok := r.participants[uid]
	if !ok {
		return nil, nil, fmt.Errorf("participant %s in %s: %w", uid, name, domain.ErrNotFound)
	}
	return r, p, nil
}

// stillThere reports whether p is still the registered participant uid of r.
func (m *RoomManager) stillThere(r *room, uid domain.UserID, p *participant) bool {
	cur, ok := m.rooms[r.name]
	return ok && cur == r && cur.participants[uid] == p
}

func (m *RoomManager) CreateTransport(ctx context.Context, name domain.RoomName, uid domain.UserID, dir domain.Direction, overrides core.TransportOverrides) (TransportInfo, error) {
	m.mu.Lock()
	r, p, err := m.lookupLocked(name, uid)
	if err != nil {
		m.mu.Unlock()
		return TransportInfo{}, err
	}
	if p.transports[dir] != nil || p.reserving[dir] {
		m.mu.Unlock()
		return TransportInfo{}, fmt.Errorf("%s transport of %s: %w", dir, uid, domain.ErrAlreadyExists)
	}
	p.reserving[dir] = true
	router := r.router
	m.mu.Unlock()

	opts := m.policy.Resolve(overrides)
	opts.Direction = dir
	t, err := router.CreateTransport(ctx, opts)

	m.mu.Lock()
	delete(p.reserving, dir)
	if err != nil {
		m.mu.Unlock()
		return TransportInfo{}, mediaErr("create transport", err)
	}
	if !m.stillThere(r, uid, p) {
		m.mu.Unlock()
		t.Close()
		return TransportInfo{}, fmt.Errorf("participant %s left %s: %w", uid, name, domain.ErrNotFound)
	}
	p.transports[dir] = t
	m.transports[t.ID()] = objectRef{room: name, owner: uid}
	m.mu.Unlock()

	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Str("transport", t.ID()).Str("direction", string(dir)).Msg("transport created")
	return TransportInfo{ID: t.ID(), Direction: dir}, nil
}

// transportLocked resolves a transport the caller claims to own.
func (m *RoomManager) transportLocked(uid domain.UserID, id string) (*room, *participant, core.Transport, error) {
	ref, ok := m.transports[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("transport %s: %w", id, domain.ErrNotFound)
	}
	if ref.owner != uid {
		return nil, nil, nil, fmt.Errorf("transport %s not owned by %s: %w", id, uid, domain.ErrUnauthorized)
	}
	r, p, err := m.lookupLocked(ref.room, uid)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, t := range p.transports {
		if t.ID() == id {
			return r, p, t, nil
		}
	}
	return nil, nil, nil, fmt.Errorf("transport %s: %w", id, domain.ErrNotFound)
}

// ConnectTransport applies the client's description; for an offer the
// local answer is returned.
func (m *RoomManager) ConnectTransport(ctx context.Context, uid domain.UserID, transportID string, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	_, _, t, err := m.transportLocked(uid, transportID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	answer, err := t.Connect(ctx, desc)
	if err != nil {
		return nil, mediaErr("connect transport", err)
	}
	return answer, nil
}

func (m *RoomManager) Produce(ctx context.Context, name domain.RoomName, uid domain.UserID, transportID string, opts core.ProduceOptions) (ProducerInfo, error) {
	m.mu.Lock()
	r, p, t, err := m.transportLocked(uid, transportID)
	if err == nil && r.name != name {
		err = fmt.Errorf("transport %s not in %s: %w", transportID, name, domain.ErrUnauthorized)
	}
	if err == nil && t.Direction() != domain.DirectionSend {
		err = fmt.Errorf("produce on %s transport: %w", t.Direction(), domain.ErrBadRequest)
	}
	m.mu.Unlock()
	if err != nil {
		return ProducerInfo{}, err
	}

	prod, err := t.Produce(ctx, opts)
	if err != nil {
		return ProducerInfo{}, mediaErr("produce", err)
	}

	m.mu.Lock()
	_, registered := m.transports[transportID]
	if !registered || !m.stillThere(r, uid, p) {
		m.mu.Unlock()
		prod.Close()
		return ProducerInfo{}, fmt.Errorf("transport %s closed: %w", transportID, domain.ErrNotFound)
	}
	p.producers[prod.ID()] = producerEntry{Producer: prod, transportID: transportID}
	m.producers[prod.ID()] = objectRef{room: name, owner: uid}
	muted := p.muted
	m.mu.Unlock()

	if muted {
		prod.Pause()
	}
	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Str("producer", prod.ID()).Str("kind", string(prod.Kind())).Bool("muted", muted).Msg("producer created")
	return ProducerInfo{ID: prod.ID(), Kind: prod.Kind(), Paused: prod.Paused()}, nil
}

// Consume subscribes uid's recv transport to another participant's
// producer in the same room.
// Consume subscribes uid to producerID. opts.Producer is filled in from
// the room; the other options are passed to the engine as given.
func (m *RoomManager) Consume(ctx context.Context, name domain.RoomName, uid domain.UserID, transportID, producerID string, opts core.ConsumeOptions) (ConsumerInfo, error) {
	m.mu.Lock()
	r, p, t, err := m.transportLocked(uid, transportID)
	if err == nil && r.name != name {
		err = fmt.Errorf("transport %s not in %s: %w", transportID, name, domain.ErrUnauthorized)
	}
	if err == nil && t.Direction() != domain.DirectionRecv {
		err = fmt.Errorf("consume on %s transport: %w", t.Direction(), domain.ErrBadRequest)
	}
	var prod core.Producer
	var owner domain.UserID
	if err == nil {
		prod, owner, err = m.producerLocked(r, producerID)
	}
	if err == nil && owner == uid {
		err = fmt.Errorf("consume own producer %s: %w", producerID, domain.ErrBadRequest)
	}
	m.mu.Unlock()
	if err != nil {
		return ConsumerInfo{}, err
	}

	opts.Producer = prod
	c, offer, err := t.Consume(ctx, opts)
	if err != nil {
		return ConsumerInfo{}, mediaErr("consume", err)
	}

	m.mu.Lock()
	_, transportOK := m.transports[transportID]
	_, producerOK := m.producers[producerID]
	if !transportOK || !producerOK || !m.stillThere(r, uid, p) {
		m.mu.Unlock()
		c.Close()
		return ConsumerInfo{}, fmt.Errorf("consumer of %s outlived its objects: %w", producerID, domain.ErrNotFound)
	}
	p.consumers[c.ID()] = consumerEntry{Consumer: c, transportID: transportID}
	m.consumers[c.ID()] = objectRef{room: name, owner: uid}
	m.mu.Unlock()

	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Str("consumer", c.ID()).Str("producer", producerID).Msg("consumer created")
	return ConsumerInfo{
		ID:             c.ID(),
		ProducerID:     producerID,
		ProducerOwner:  owner,
		Kind:           c.Kind(),
		Paused:         c.Paused(),
		ProducerPaused: c.ProducerPaused(),
		Offer:          offer,
		AppData:        opts.AppData,
	}, nil
}

func (m *RoomManager) producerLocked(r *room, id string) (core.Producer, domain.UserID, error) {
	ref, ok := m.producers[id]
	if !ok {
		return nil, 0, fmt.Errorf("producer %s: %w", id, domain.ErrNotFound)
	}
	if ref.room != r.name {
		return nil, 0, fmt.Errorf("producer %s not in %s: %w", id, r.name, domain.ErrUnauthorized)
	}
	owner, ok := r.participants[ref.owner]
	if !ok {
		return nil, 0, fmt.Errorf("producer %s: %w", id, domain.ErrNotFound)
	}
	e, ok := owner.producers[id]
	if !ok {
		return nil, 0, fmt.Errorf("producer %s: %w", id, domain.ErrNotFound)
	}
	return e.Producer, ref.owner, nil
}

func (m *RoomManager) consumerLocked(uid domain.UserID, id string) (core.Consumer, error) {
	ref, ok := m.consumers[id]
	if !ok {
		return nil, fmt.Errorf("consumer %s: %w", id, domain.ErrNotFound)
	}
	if ref.owner != uid {
		return nil, fmt.Errorf("consumer %s not owned by %s: %w", id, uid, domain.ErrUnauthorized)
	}
	_, p, err := m.lookupLocked(ref.room, uid)
	if err != nil {
		return nil, err
	}
	e, ok := p.consumers[id]
	if !ok {
		return nil, fmt.Errorf("consumer %s: %w", id, domain.ErrNotFound)
	}
	return e.Consumer, nil
}

func (m *RoomManager) PauseConsumer(uid domain.UserID, consumerID string) error {
	m.mu.Lock()
	c, err := m.consumerLocked(uid, consumerID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	c.Pause()
	return nil
}

func (m *RoomManager) ResumeConsumer(uid domain.UserID, consumerID string) error {
	m.mu.Lock()
	c, err := m.consumerLocked(uid, consumerID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	c.Resume()
	return nil
}

// MuteParticipant pauses every producer of the participant and returns
// their ids. Muting a muted participant is a no-op success.
func (m *RoomManager) MuteParticipant(name domain.RoomName, uid domain.UserID) ([]string, error) {
	return m.setMuted(name, uid, true)
}

func (m *RoomManager) UnmuteParticipant(name domain.RoomName, uid domain.UserID) ([]string, error) {
	return m.setMuted(name, uid, false)
}

func (m *RoomManager) setMuted(name domain.RoomName, uid domain.UserID, muted bool) ([]string, error) {
	m.mu.Lock()
	_, p, err := m.lookupLocked(name, uid)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	p.muted = muted
	producers := make([]core.Producer, 0, len(p.producers))
	for _, e := range p.producers {
		producers = append(producers, e.Producer)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(producers))
	for _, prod := range producers {
		if muted {
			prod.Pause()
		} else {
			prod.Resume()
		}
		ids = append(ids, prod.ID())
	}
	slices.Sort(ids)
	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Bool("muted", muted).Strs("producers", ids).Msg("participant mute changed")
	return ids, nil
}

// detachConsumersOfLocked unregisters every consumer in r fed by producerID.
func (m *RoomManager) detachConsumersOfLocked(r *room, producerID string) []core.Consumer {
	var out []core.Consumer
	for _, p := range r.participants {
		for id, e := range p.consumers {
			if e.ProducerID() == producerID {
				delete(p.consumers, id)
				delete(m.consumers, id)
				out = append(out, e.Consumer)
			}
		}
	}
	return out
}

// CloseProducer unpublishes a track; every consumer of it is closed too.
func (m *RoomManager) CloseProducer(name domain.RoomName, uid domain.UserID, producerID string) error {
	m.mu.Lock()
	r, p, err := m.lookupLocked(name, uid)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e, ok := p.producers[producerID]
	if !ok {
		m.mu.Unlock()
		if ref, known := m.producers[producerID]; known && ref.owner != uid {
			return fmt.Errorf("producer %s not owned by %s: %w", producerID, uid, domain.ErrUnauthorized)
		}
		return fmt.Errorf("producer %s: %w", producerID, domain.ErrNotFound)
	}
	delete(p.producers, producerID)
	delete(m.producers, producerID)
	consumers := m.detachConsumersOfLocked(r, producerID)
	m.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	e.Close()
	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Str("producer", producerID).Int("consumers", len(consumers)).Msg("producer closed")
	return nil
}

// CloseTransport closes a transport with the producers and consumers it
// carried; the ids of closed producers are returned.
func (m *RoomManager) CloseTransport(uid domain.UserID, transportID string) (domain.RoomName, []string, error) {
	m.mu.Lock()
	r, p, t, err := m.transportLocked(uid, transportID)
	if err != nil {
		m.mu.Unlock()
		return "", nil, err
	}
	delete(p.transports, t.Direction())
	delete(m.transports, transportID)

	var producers []core.Producer
	var consumers []core.Consumer
	var closedIDs []string
	for id, e := range p.producers {
		if e.transportID != transportID {
			continue
		}
		delete(p.producers, id)
		delete(m.producers, id)
		producers = append(producers, e.Producer)
		closedIDs = append(closedIDs, id)
		consumers = append(consumers, m.detachConsumersOfLocked(r, id)...)
	}
	for id, e := range p.consumers {
		if e.transportID == transportID {
			delete(p.consumers, id)
			delete(m.consumers, id)
			consumers = append(consumers, e.Consumer)
		}
	}
	m.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, prod := range producers {
		prod.Close()
	}
	t.Close()
	slices.Sort(closedIDs)
	m.logger.Info().Str("room", string(r.name)).Str("user", uid.String()).Str("transport", transportID).Msg("transport closed")
	return r.name, closedIDs, nil
}

// RemoveParticipant closes everything the participant owns and every
// consumer of its producers. The last participant out closes the room.
func (m *RoomManager) RemoveParticipant(name domain.RoomName, uid domain.UserID) (Removal, error) {
	m.mu.Lock()
	r, p, err := m.lookupLocked(name, uid)
	if err != nil {
		m.mu.Unlock()
		return Removal{}, err
	}
	delete(r.participants, uid)

	var res Removal
	var consumers []core.Consumer
	producers := make([]core.Producer, 0, len(p.producers))
	for id, e := range p.producers {
		delete(m.producers, id)
		producers = append(producers, e.Producer)
		res.ProducerIDs = append(res.ProducerIDs, id)
		consumers = append(consumers, m.detachConsumersOfLocked(r, id)...)
	}
	for id, e := range p.consumers {
		delete(m.consumers, id)
		consumers = append(consumers, e.Consumer)
	}
	transports := make([]core.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		delete(m.transports, t.ID())
		transports = append(transports, t)
	}
	var router core.Router
	if len(r.participants) == 0 {
		delete(m.rooms, name)
		router = r.router
		res.RoomClosed = true
	}
	m.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, prod := range producers {
		prod.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	slices.Sort(res.ProducerIDs)
	m.logger.Info().Str("room", string(name)).Str("user", uid.String()).Int("producers", len(producers)).Msg("participant removed")

	if router != nil {
		router.Close()
		m.logger.Info().Str("room", string(name)).Str("router", router.ID()).Msg("room closed")
		if m.onRoomClosed != nil {
			m.onRoomClosed(name)
		}
	}
	return res, nil
}

func (m *RoomManager) ListParticipants(name domain.RoomName) ([]core.ParticipantDTO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", name, domain.ErrNotFound)
	}
	out := make([]core.ParticipantDTO, 0, len(r.participants))
	for uid, p := range r.participants {
		dto := core.ParticipantDTO{
			ID:        uid,
			Username:  p.member.User.Username,
			Avatar:    p.member.Avatar,
			Muted:     p.muted,
			Producers: make([]core.ProducerDTO, 0, len(p.producers)),
		}
		for id, e := range p.producers {
			dto.Producers = append(dto.Producers, core.ProducerDTO{ID: id, Kind: e.Kind(), Paused: e.Paused()})
		}
		slices.SortFunc(dto.Producers, func(a, b core.ProducerDTO) int { return cmp.Compare(a.ID, b.ID) })
		out = append(out, dto)
	}
	slices.SortFunc(out, func(a, b core.ParticipantDTO) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *RoomManager) HasParticipant(name domain.RoomName, uid domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.lookupLocked(name, uid)
	return err == nil
}

// RoomsOf lists every room uid participates in.
func (m *RoomManager) RoomsOf(uid domain.UserID) []domain.RoomName {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RoomName
	for name, r := range m.rooms {
		if _, ok := r.participants[uid]; ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (m *RoomManager) Rooms() []core.RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(m.rooms))
	for name, r := range m.rooms {
		ch, _ := name.Channel()
		out = append(out, core.RoomInfo{
			Name:             name,
			Channel:          ch,
			ParticipantCount: len(r.participants),
			WorkerID:         r.router.WorkerID(),
		})
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(string(a.Name), string(b.Name)) })
	return out
}

func (m *RoomManager) Capabilities(name domain.RoomName) ([]webrtc.RTPCodecCapability, error) {
	m.mu.Lock()
	r, ok := m.rooms[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("room %s: %w", name, domain.ErrNotFound)
	}
	return r.router.Capabilities(), nil
}

// Close drops every room and closes their routers.
func (m *RoomManager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[domain.RoomName]*room)
	m.transports = make(map[string]objectRef)
	m.producers = make(map[string]objectRef)
	m.consumers = make(map[string]objectRef)
	m.mu.Unlock()

	for _, r := range rooms {
		r.router.Close()
	}
	m.logger.Info().Int("rooms", len(rooms)).Msg("room manager closed")
}
