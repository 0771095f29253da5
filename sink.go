package main

import (
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// AudioSink is the opaque playback device driven by the Host. Position is
// seconds since the last Play call (excluding paused time); IsBusy reports
// whether the device is still consuming the current track.
type AudioSink interface {
	Play(path string, startOffset float64) error
	Stop()
	PauseToggle() bool
	SetVolume(v float64)
	Position() float64
	IsBusy() bool
}

// execSink plays tracks by shelling out to ffplay. Pause and resume use
// SIGSTOP/SIGCONT on the child process. Position is wall-clock based: ffplay
// exposes no position API, so elapsed-minus-paused time stands in for it.
type execSink struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	started     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	paused      bool
	volume      float64
	done        chan struct{}
}

func newExecSink() *execSink {
	return &execSink{volume: 1.0}
}

func (s *execSink) Play(path string, startOffset float64) error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}
	if startOffset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.2f", startOffset))
	}
	args = append(args, "-volume", fmt.Sprintf("%d", int(s.volume*100)), path)

	cmd := exec.Command("ffplay", args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}

	s.cmd = cmd
	s.started = time.Now()
	s.paused = false
	s.pausedTotal = 0
	done := make(chan struct{})
	s.done = done
	go func() {
		cmd.Wait()
		close(done)
	}()
	return nil
}

func (s *execSink) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	if done != nil {
		<-done
	}
}

func (s *execSink) PauseToggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return true
	}
	if s.paused {
		if err := s.cmd.Process.Signal(unix.SIGCONT); err != nil {
			log.Printf("[sink] resume: %v", err)
		}
		s.pausedTotal += time.Since(s.pausedAt)
		s.paused = false
	} else {
		if err := s.cmd.Process.Signal(unix.SIGSTOP); err != nil {
			log.Printf("[sink] pause: %v", err)
		}
		s.pausedAt = time.Now()
		s.paused = true
	}
	return s.paused
}

func (s *execSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	// Applied on the next Play; ffplay has no runtime volume control.
	s.volume = v
}

func (s *execSink) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0
	}
	elapsed := time.Since(s.started) - s.pausedTotal
	if s.paused {
		elapsed -= time.Since(s.pausedAt)
	}
	return elapsed.Seconds()
}

func (s *execSink) IsBusy() bool {
	s.mu.Lock()
	done := s.done
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// nullSink simulates playback for headless nodes and tests: a track is busy
// until its simulated duration elapses. The coordinator feeds the duration
// through SetDuration before each Play.
type nullSink struct {
	mu          sync.Mutex
	playing     bool
	paused      bool
	started     time.Time
	offset      float64
	duration    float64
	pausedAt    time.Time
	pausedTotal time.Duration
}

func newNullSink() *nullSink { return &nullSink{} }

// SetDuration primes the simulated track length for the next Play.
func (s *nullSink) SetDuration(d float64) {
	s.mu.Lock()
	s.duration = d
	s.mu.Unlock()
}

func (s *nullSink) Play(path string, startOffset float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	s.paused = false
	s.started = time.Now()
	s.offset = startOffset
	s.pausedTotal = 0
	return nil
}

func (s *nullSink) Stop() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

func (s *nullSink) PauseToggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return true
	}
	if s.paused {
		s.pausedTotal += time.Since(s.pausedAt)
		s.paused = false
	} else {
		s.pausedAt = time.Now()
		s.paused = true
	}
	return s.paused
}

func (s *nullSink) SetVolume(float64) {}

func (s *nullSink) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return 0
	}
	elapsed := time.Since(s.started) - s.pausedTotal
	if s.paused {
		elapsed -= time.Since(s.pausedAt)
	}
	return elapsed.Seconds()
}

func (s *nullSink) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || s.paused {
		return s.playing
	}
	if s.duration <= 0 {
		return false
	}
	elapsed := s.offset + (time.Since(s.started) - s.pausedTotal).Seconds()
	if elapsed >= s.duration {
		s.playing = false
		return false
	}
	return true
}
