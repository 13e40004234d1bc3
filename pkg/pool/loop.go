package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/types"
)

// command is a request from a public method to the control goroutine
type command interface {
	command()
}

type submitCmd struct {
	req *request
}

type cancelCmd struct {
	req *request
}

type configureCmd struct {
	patch config.Patch
	reply chan error
}

type terminateCmd struct {
	reply chan struct{}
}

type forceCmd struct{}

func (submitCmd) command()    {}
func (cancelCmd) command()    {}
func (configureCmd) command() {}
func (terminateCmd) command() {}
func (forceCmd) command()     {}

// unitEvent is an outbound unit message tagged with its handle
type unitEvent struct {
	h   *unitHandle
	msg message.Outbound
}

type answer struct {
	req *request
	res Result
}

type timerKind int

const (
	timerOnline timerKind = iota
	timerSpawn
)

type timerEvent struct {
	kind   timerKind
	unitID int
}

func (m *Manager) run() {
	defer func() {
		m.spawnCancel()
		close(m.done)
		m.bus.close()
	}()

	for !m.finished {
		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case ev := <-m.unitEvents:
			m.handleUnitEvent(ev)
		case t := <-m.timers:
			m.handleTimer(t)
		}
		m.publishStats()
		m.flush()
	}
}

// resolve queues res for req. Callers are answered by flush, after the
// statistics reflecting res are published.
func (m *Manager) resolve(req *request, res Result) {
	if req.settled {
		return
	}
	req.settled = true
	m.answers = append(m.answers, answer{req: req, res: res})
}

func (m *Manager) flush() {
	for i, a := range m.answers {
		a.req.result <- a.res
		m.answers[i] = answer{}
	}
	m.answers = m.answers[:0]

	if m.finished {
		for _, w := range m.terminateWaiters {
			close(w)
		}
		m.terminateWaiters = nil
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case submitCmd:
		m.dispatch(c.req)
	case cancelCmd:
		if m.waiting.remove(c.req) {
			m.resolve(c.req, Result{Err: c.req.ctx.Err()})
		}
	case configureCmd:
		c.reply <- m.configure(c.patch)
	case terminateCmd:
		m.terminate(c.reply)
	case forceCmd:
		m.force()
	}
}

func (m *Manager) handleUnitEvent(ev unitEvent) {
	switch msg := ev.msg.(type) {
	case message.DecodeResult:
		m.onResult(ev.h, msg)
	case message.Failure:
		m.onFailure(ev.h, msg)
	case message.Exit:
		m.onExit(ev.h, msg)
	}
}

func (m *Manager) handleTimer(t timerEvent) {
	switch t.kind {
	case timerOnline:
		m.onOnline(t.unitID)
	case timerSpawn:
		m.scheduled--
		if !m.terminating && len(m.all)+m.scheduled < m.cfg.PoolSize {
			m.spawnUnit()
		}
	}
}

// after delivers ev to the control goroutine once d has elapsed
func (m *Manager) after(d time.Duration, ev timerEvent) {
	m.opts.Clock.AfterFunc(d, func() {
		select {
		case m.timers <- ev:
		case <-m.done:
		}
	})
}

// forward feeds a unit's events to the control goroutine. It drains the
// unit to the end so the unit never blocks on a finished pool.
func (m *Manager) forward(h *unitHandle) {
	for msg := range h.unit.Events() {
		select {
		case m.unitEvents <- unitEvent{h: h, msg: msg}:
		case <-m.done:
		}
	}
}

func (m *Manager) dispatch(req *request) {
	if m.terminating {
		m.resolve(req, Result{Err: types.ErrNoAvailableUnits})
		return
	}
	m.stats.QueuedJobs++

	if err := req.ctx.Err(); err != nil {
		m.resolve(req, Result{Err: err})
		return
	}

	if h := m.popIdle(); h != nil {
		m.assign(h, req)
		return
	}

	m.waiting.push(req)
	m.fillShortage()
}

// assign sends req to the idle unit h
func (m *Manager) assign(h *unitHandle, req *request) {
	j := &job{
		id:     m.newJobID(),
		unitID: h.id,
		start:  m.opts.Clock.Now(),
		req:    req,
	}
	h.state = stateBusy
	h.lastUsed = j.start
	h.pending[j.id] = j
	m.jobs[j.id] = j

	if h.cfgDirty && !m.pushConfig(h) {
		m.fail(h, errors.New("configuration not delivered"))
		return
	}
	if err := h.unit.Send(message.Decode{JobID: j.id, Payload: req.payload, Reset: m.opts.IsolatedJobs}); err != nil {
		m.fail(h, fmt.Errorf("send decode: %w", err))
	}
}

// pushConfig sends the current configuration to h and reports whether it
// was accepted
func (m *Manager) pushConfig(h *unitHandle) bool {
	if err := h.unit.Send(message.Configure{Config: m.cfg.Clone()}); err != nil {
		h.cfgDirty = true
		m.logger.Warn("configuration not delivered", zap.Int("unit_id", h.id), zap.Error(err))
		return false
	}
	h.cfgDirty = false
	return true
}

// release returns h to service: it takes the oldest live waiting request
// or joins the idle set
func (m *Manager) release(h *unitHandle) {
	for {
		req := m.waiting.pop()
		if req == nil {
			break
		}
		if err := req.ctx.Err(); err != nil {
			m.resolve(req, Result{Err: err})
			continue
		}
		m.assign(h, req)
		return
	}

	h.state = stateIdle
	h.lastUsed = m.opts.Clock.Now()
	m.idle = append(m.idle, h)
}

// popIdle returns the unit that has been idle longest
func (m *Manager) popIdle() *unitHandle {
	if len(m.idle) == 0 {
		return nil
	}
	h := m.idle[0]
	m.idle[0] = nil
	m.idle = m.idle[1:]
	return h
}

func (m *Manager) removeIdle(h *unitHandle) {
	for i, candidate := range m.idle {
		if candidate == h {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			return
		}
	}
}

func (m *Manager) newJobID() string {
	for {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		if _, taken := m.jobs[id.String()]; !taken {
			return id.String()
		}
	}
}

func (m *Manager) spawnUnit() {
	id := m.nextUnitID
	m.nextUnitID++

	u, err := m.opts.Spawner.Spawn(m.spawnCtx, id, m.cfg.Clone())
	if err != nil {
		m.spawnFailed(id, err)
		return
	}

	m.spawns.Reset()
	m.exhausted = false

	h := newUnitHandle(id, u, m.opts.Clock.Now())
	m.all[id] = h
	m.stats.UnitsCreated++
	m.stats.ActiveUnits = len(m.all)
	m.logger.Debug("unit created", zap.Int("unit_id", id))

	go m.forward(h)
	m.after(m.opts.StartupDelay, timerEvent{kind: timerOnline, unitID: id})
}

func (m *Manager) spawnFailed(id int, err error) {
	m.logger.Error("unit spawn failed",
		zap.Int("unit_id", id),
		zap.Int("attempt", m.spawns.Attempts()+1),
		zap.Error(err))

	if delay, ok := m.spawns.Next(); ok {
		m.scheduled++
		m.after(delay, timerEvent{kind: timerSpawn})
		return
	}
	if len(m.all) > 0 {
		m.logger.Warn("spawn attempts exhausted, running below pool size",
			zap.Int("units", len(m.all)),
			zap.Int("pool_size", m.cfg.PoolSize))
		return
	}

	m.exhausted = true
	exhausted := fmt.Errorf("%w: %w", types.ErrPoolExhausted, err)
	for req := m.waiting.pop(); req != nil; req = m.waiting.pop() {
		m.resolve(req, Result{Err: exhausted})
	}
}

func (m *Manager) onOnline(id int) {
	h, ok := m.all[id]
	if !ok || m.terminating || h.state != stateCreating {
		return
	}

	m.logger.Debug("unit online", zap.Int("unit_id", id))
	m.release(h)
	m.emit(Event{Kind: EventUnitOnline, UnitID: id})
}

func (m *Manager) onResult(h *unitHandle, msg message.DecodeResult) {
	ev := Event{Kind: EventJobCompleted, UnitID: h.id, JobID: msg.JobID, Frames: msg.Frames}

	if j, ok := m.jobs[msg.JobID]; ok && j.unitID == h.id {
		j.end = m.opts.Clock.Now()
		elapsed := j.end.Sub(j.start)
		m.stats.recordSuccess(elapsed)
		delete(m.jobs, j.id)
		delete(h.pending, j.id)
		m.resolve(j.req, Result{JobID: j.id, Frames: msg.Frames, Elapsed: elapsed})
		ev.Found, ev.Elapsed = true, elapsed

		if h.state == stateBusy && len(h.pending) == 0 && !m.terminating {
			if len(m.all) > m.cfg.PoolSize {
				m.retire(h)
			} else {
				m.release(h)
			}
		}
	} else {
		m.logger.Debug("result for unknown job", zap.Int("unit_id", h.id), zap.String("job_id", msg.JobID))
	}

	m.emit(ev)
}

func (m *Manager) onFailure(h *unitHandle, msg message.Failure) {
	cause := msg.Err
	if cause == nil {
		cause = errors.New("unit failed")
	}
	m.fail(h, cause)
}

// fail takes h out of service after an error and schedules a replacement
func (m *Manager) fail(h *unitHandle, cause error) {
	if h.state == stateError {
		return
	}
	h.state = stateError

	m.logger.Warn("unit failed",
		zap.Int("unit_id", h.id),
		zap.Int("pending_jobs", len(h.pending)),
		zap.Error(cause))

	m.failPending(h, func(jobID string) error {
		return types.NewUnitError(h.id, jobID, cause)
	})
	m.removeIdle(h)
	if _, ok := m.all[h.id]; ok {
		delete(m.all, h.id)
		m.retired[h.id] = h
	}
	m.stats.ActiveUnits = len(m.all)
	h.unit.Kill()

	m.emit(Event{Kind: EventUnitError, UnitID: h.id, Err: cause})

	if !m.terminating && len(m.all)+m.scheduled < m.cfg.PoolSize {
		m.scheduled++
		m.after(m.opts.ReplaceDelay, timerEvent{kind: timerSpawn})
	}
}

func (m *Manager) onExit(h *unitHandle, msg message.Exit) {
	if _, ok := m.all[h.id]; ok {
		delete(m.all, h.id)
		m.removeIdle(h)
	} else if _, ok := m.retired[h.id]; ok {
		delete(m.retired, h.id)
	} else {
		// already counted by force
		return
	}
	m.stats.UnitsTerminated++
	m.stats.ActiveUnits = len(m.all)

	switch {
	case !m.terminating:
		m.failPending(h, func(jobID string) error {
			return types.NewUnitError(h.id, jobID, types.ErrUnitExited)
		})
	case m.opts.TerminateFailsInFlight:
		m.failPending(h, func(string) error {
			return types.ErrPoolTerminated
		})
	}
	h.state = stateError

	m.logger.Debug("unit exited", zap.Int("unit_id", h.id), zap.Int("code", msg.Code))
	m.emit(Event{Kind: EventUnitExit, UnitID: h.id, Code: msg.Code})

	m.checkTerminated()
	m.fillShortage()
}

// fillShortage creates a unit when requests are waiting and the pool is
// below its size with no replacement on the way
func (m *Manager) fillShortage() {
	if m.terminating || m.waiting.len() == 0 {
		return
	}
	if len(m.all)+m.scheduled < m.cfg.PoolSize {
		m.spawnUnit()
	}
}

func (m *Manager) failPending(h *unitHandle, errFor func(jobID string) error) {
	for id, j := range h.pending {
		delete(h.pending, id)
		delete(m.jobs, id)
		m.stats.JobsFailed++
		j.end = m.opts.Clock.Now()
		m.resolve(j.req, Result{JobID: id, Err: errFor(id)})
	}
}

func (m *Manager) configure(patch config.Patch) error {
	if m.terminating {
		return types.ErrPoolTerminated
	}

	next := m.cfg.Merge(patch).WithDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	snap := next.Clone()
	m.cfgSnap.Store(&snap)

	// busy and starting units pick up the latest configuration before their
	// next job, so repeated updates collapse into one message
	for _, h := range m.all {
		if h.state == stateIdle {
			m.pushConfig(h)
		} else {
			h.cfgDirty = true
		}
	}

	// a smaller pool retires idle units now and busy ones as they finish
	for len(m.all) > next.PoolSize {
		h := m.popIdle()
		if h == nil {
			break
		}
		m.retire(h)
	}

	for len(m.all)+m.scheduled < next.PoolSize {
		before := len(m.all)
		m.spawnUnit()
		if len(m.all) == before {
			break
		}
	}

	m.logger.Info("configuration updated",
		zap.Stringer("mode", next.OperationMode),
		zap.Stringer("frame_detection", next.FrameDetection),
		zap.Int("pool_size", next.PoolSize))
	return nil
}

// retire shuts h down gracefully and keeps it until its exit arrives
func (m *Manager) retire(h *unitHandle) {
	delete(m.all, h.id)
	m.retired[h.id] = h
	m.stats.ActiveUnits = len(m.all)
	m.logger.Debug("unit retired", zap.Int("unit_id", h.id))
	if err := h.unit.Send(message.Shutdown{}); err != nil {
		h.unit.Kill()
	}
}

func (m *Manager) terminate(reply chan struct{}) {
	m.terminateWaiters = append(m.terminateWaiters, reply)
	if m.terminating {
		return
	}
	m.terminating = true
	m.terminated.Store(true)

	m.logger.Info("terminating pool",
		zap.Int("units", len(m.all)),
		zap.Int("waiting_jobs", m.waiting.len()),
		zap.Int("in_flight_jobs", len(m.jobs)))

	for req := m.waiting.pop(); req != nil; req = m.waiting.pop() {
		m.resolve(req, Result{Err: types.ErrPoolTerminated})
	}
	m.idle = nil

	for _, h := range m.all {
		if err := h.unit.Send(message.Shutdown{}); err != nil {
			h.unit.Kill()
		}
	}
	for _, h := range m.retired {
		h.unit.Kill()
	}

	m.checkTerminated()
}

// force kills every unit still running and completes termination
func (m *Manager) force() {
	if m.finished {
		return
	}
	for _, group := range []map[int]*unitHandle{m.all, m.retired} {
		for id, h := range group {
			h.unit.Kill()
			m.stats.UnitsTerminated++
			if m.opts.TerminateFailsInFlight {
				m.failPending(h, func(string) error {
					return types.ErrPoolTerminated
				})
			}
			delete(group, id)
		}
	}
	m.finishTerminate()
}

func (m *Manager) checkTerminated() {
	if m.terminating && !m.finished && len(m.all) == 0 && len(m.retired) == 0 {
		m.finishTerminate()
	}
}

func (m *Manager) finishTerminate() {
	if m.opts.TerminateFailsInFlight {
		for id, j := range m.jobs {
			m.stats.JobsFailed++
			m.resolve(j.req, Result{JobID: id, Err: types.ErrPoolTerminated})
		}
	}
	m.jobs = make(map[string]*job)
	m.all = make(map[int]*unitHandle)
	m.retired = make(map[int]*unitHandle)
	m.idle = nil
	m.stats.ActiveUnits = 0
	m.finished = true

	m.logger.Info("pool terminated",
		zap.Uint64("units_created", m.stats.UnitsCreated),
		zap.Uint64("units_terminated", m.stats.UnitsTerminated),
		zap.Uint64("jobs_processed", m.stats.JobsProcessed))
}

// emit delivers ev to listeners and subscribers
func (m *Manager) emit(ev Event) {
	ev.Stats = m.currentStats()
	for _, l := range m.opts.Listeners {
		l.OnEvent(ev)
	}
	m.bus.publish(ev)
}

func (m *Manager) currentStats() Statistics {
	s := m.stats
	s.ActiveUnits = len(m.all)
	s.RetiringUnits = len(m.retired)
	s.WaitingJobs = m.waiting.len()
	s.IdleUnits = len(m.idle)
	s.InFlightJobs = len(m.jobs)
	s.Terminated = m.terminating
	s.Exhausted = m.exhausted
	for _, h := range m.all {
		if h.state == stateBusy {
			s.BusyUnits++
		}
	}
	s.DroppedEvents = m.bus.dropped.Load()
	return s
}

func (m *Manager) publishStats() {
	s := m.currentStats()
	m.snapshot.Store(&s)
}
