// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// ErrMuxStopped is returned when registering at a MuxAgent after its shutdown.
var ErrMuxStopped = errors.New("MuxAgent was stopped")

// muxChild is a registered ApplicationAgent. Its done channel is closed after
// the child closed its MessageSender.
type muxChild struct {
	agent ApplicationAgent
	done  chan struct{}
}

// MuxAgent is an ApplicationAgent multiplexing other ApplicationAgents.
//
// Only the MuxAgent's own goroutine writes to or closes the children's
// MessageReceivers.
type MuxAgent struct {
	mutex    sync.Mutex
	children []*muxChild
	closed   bool

	receiver chan Message
	sender   chan Message

	removed  chan *muxChild
	stopped  chan struct{}
	handlers sync.WaitGroup
}

// NewMuxAgent creates and starts a new MuxAgent.
func NewMuxAgent() *MuxAgent {
	mux := &MuxAgent{
		receiver: make(chan Message),
		sender:   make(chan Message),
		removed:  make(chan *muxChild),
		stopped:  make(chan struct{}),
	}

	go mux.handle()

	return mux
}

func (mux *MuxAgent) handle() {
	defer close(mux.sender)

	for {
		select {
		case child := <-mux.removed:
			mux.remove(child)

		case msg := <-mux.receiver:
			mux.dispatch(msg)

			if _, isShutdown := msg.(ShutdownMessage); isShutdown {
				mux.shutdown()
				return
			}
		}
	}
}

// dispatch a Message to each addressed child.
func (mux *MuxAgent) dispatch(msg Message) {
	mux.mutex.Lock()
	children := append([]*muxChild(nil), mux.children...)
	mux.mutex.Unlock()

	recipients := msg.Recipients()
	for _, child := range children {
		if recipients != nil && !AppAgentContainsEndpoint(child.agent, recipients) {
			continue
		}

		select {
		case child.agent.MessageReceiver() <- msg:
		case <-child.done:
		}
	}
}

// remove a child after it closed its MessageSender.
func (mux *MuxAgent) remove(child *muxChild) {
	mux.mutex.Lock()
	for i, known := range mux.children {
		if known == child {
			mux.children = append(mux.children[:i], mux.children[i+1:]...)
			break
		}
	}
	mux.mutex.Unlock()

	close(child.agent.MessageReceiver())
}

// shutdown waits for every child to close its MessageSender after the
// ShutdownMessage was dispatched.
func (mux *MuxAgent) shutdown() {
	mux.mutex.Lock()
	mux.closed = true
	children := mux.children
	mux.children = nil
	mux.mutex.Unlock()

	close(mux.stopped)
	mux.handlers.Wait()

	for _, child := range children {
		close(child.agent.MessageReceiver())
	}
}

// Register a new ApplicationAgent. It is removed after closing its
// MessageSender or sending a ShutdownMessage.
func (mux *MuxAgent) Register(agent ApplicationAgent) error {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	if mux.closed {
		log.WithField("agent", agent.Endpoints()).Warn("Cannot register agent at a stopped MuxAgent")
		return ErrMuxStopped
	}

	child := &muxChild{agent: agent, done: make(chan struct{})}
	mux.children = append(mux.children, child)

	mux.handlers.Add(1)
	go mux.handleChild(child)
	return nil
}

func (mux *MuxAgent) handleChild(child *muxChild) {
	defer mux.handlers.Done()
	defer func() {
		close(child.done)

		select {
		case mux.removed <- child:
		case <-mux.stopped:
		}
	}()

	for msg := range child.agent.MessageSender() {
		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			go drain(child.agent)
			return
		}

		select {
		case mux.sender <- msg:
		case <-mux.stopped:
			go drain(child.agent)
			return
		}
	}
}

// drain an ApplicationAgent's MessageSender until it is closed.
func drain(agent ApplicationAgent) {
	for range agent.MessageSender() {
	}
}

// Endpoints of all children.
func (mux *MuxAgent) Endpoints() (endpoints []bpv7.EndpointID) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	for _, child := range mux.children {
		endpoints = append(endpoints, child.agent.Endpoints()...)
	}
	return
}

// MessageReceiver dispatches Messages to the children.
func (mux *MuxAgent) MessageReceiver() chan Message {
	return mux.receiver
}

// MessageSender merges the children's outgoing Messages.
func (mux *MuxAgent) MessageSender() chan Message {
	return mux.sender
}
