// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCron(t *testing.T) {
	var counter atomic.Int32

	cron := NewCron()
	defer cron.Stop()

	if err := cron.Register("test", func() { counter.Add(1) }, time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2500 * time.Millisecond)

	if n := counter.Load(); n < 1 || n > 3 {
		t.Fatalf("job was executed %d times", n)
	}

	cron.Unregister("test")
	n := counter.Load()

	time.Sleep(1500 * time.Millisecond)

	if m := counter.Load(); m != n {
		t.Fatalf("unregistered job was executed again, %d -> %d", n, m)
	}
}

func TestCronRegister(t *testing.T) {
	cron := NewCron()
	defer cron.Stop()

	if err := cron.Register("short", func() {}, 100*time.Millisecond); err == nil {
		t.Fatal("registered job with an interval below the cron's tick")
	}

	if err := cron.Register("job", func() {}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := cron.Register("job", func() {}, time.Minute); err == nil {
		t.Fatal("registered job twice")
	}

	if jobs := cron.Jobs(); len(jobs) != 1 || jobs[0] != "job" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
}

func TestCronSkipsRunningJob(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})

	cron := NewCron()
	defer cron.Stop()

	err := cron.Register("slow", func() {
		started.Add(1)
		<-release
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(3500 * time.Millisecond)
	close(release)

	if n := started.Load(); n != 1 {
		t.Fatalf("slow job was started %d times", n)
	}
}
