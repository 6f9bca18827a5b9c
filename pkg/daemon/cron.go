// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// cronTick is the resolution of a Cron.
const cronTick = time.Second

type cronjob struct {
	task      func()
	interval  time.Duration
	nextEvent time.Time
	running   bool
}

// Cron executes named jobs periodically. A job whose previous execution is
// still running is skipped.
type Cron struct {
	jobs  map[string]*cronjob
	mutex sync.Mutex

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewCron creates and starts an empty Cron.
func NewCron() *Cron {
	cron := &Cron{
		jobs:    make(map[string]*cronjob),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go cron.loop()

	return cron
}

func (cron *Cron) loop() {
	defer close(cron.stopAck)

	ticker := time.NewTicker(cronTick)
	defer ticker.Stop()

	for {
		select {
		case <-cron.stopSyn:
			return

		case t := <-ticker.C:
			cron.fire(t)
		}
	}
}

func (cron *Cron) fire(t time.Time) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	for name, job := range cron.jobs {
		if job.nextEvent.After(t) {
			continue
		}

		for !job.nextEvent.After(t) {
			job.nextEvent = job.nextEvent.Add(job.interval)
		}

		logger := log.WithFields(log.Fields{
			"job":        name,
			"next_event": job.nextEvent,
		})

		if job.running {
			logger.Debug("Cron skips job, previous execution is still running")
			continue
		}

		job.running = true
		go cron.execute(job)

		logger.Debug("Cron executed job")
	}
}

func (cron *Cron) execute(job *cronjob) {
	defer func() {
		cron.mutex.Lock()
		job.running = false
		cron.mutex.Unlock()
	}()

	job.task()
}

// Stop this Cron. Running jobs are not awaited. Stop must only be called once.
func (cron *Cron) Stop() {
	close(cron.stopSyn)
	<-cron.stopAck
}

// Register a new job by its name, task and interval. The interval must be at
// least one second. The task is executed in its own goroutine.
func (cron *Cron) Register(name string, task func(), interval time.Duration) error {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	if _, exists := cron.jobs[name]; exists {
		return fmt.Errorf("a job named %s is already registered", name)
	}
	if interval < cronTick {
		return fmt.Errorf("interval %v is shorter than %v", interval, cronTick)
	}

	cron.jobs[name] = &cronjob{
		task:      task,
		interval:  interval,
		nextEvent: time.Now().Add(interval),
	}
	return nil
}

// Unregister a job by its name.
func (cron *Cron) Unregister(name string) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	delete(cron.jobs, name)
}

// Jobs lists the names of all registered jobs.
func (cron *Cron) Jobs() (names []string) {
	cron.mutex.Lock()
	defer cron.mutex.Unlock()

	for name := range cron.jobs {
		names = append(names, name)
	}
	return
}
