package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	"github.com/tillcode/tillgrid/internal/catalog"
	"github.com/tillcode/tillgrid/internal/domain"
	"github.com/tillcode/tillgrid/pkg/common"
	"github.com/tillcode/tillgrid/pkg/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// opportunistic outbox replay; collapses into a no-op while a drain
	// triggered by a reconnect is still running
	_, err = a.sched.AddFunc("@every 1m", func() {
		if !a.outbox.Online() {
			return
		}
		if _, err := a.outbox.Drain(context.Background()); err != nil {
			zap.L().Warn("scheduled outbox drain failed", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 1m", func() {
		a.SchedCatalogRefreshTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.gormDB.
			Where("opt_time < ? ", time.Now().
				Add(-time.Hour*24*365)).Delete(domain.SysOprLog{})
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedCatalogRefreshTask reads the authoritative catalog and offers it to
// the local mirror as a from-server snapshot. A query failure marks the
// terminal offline; the mirror keeps serving the last accepted snapshot.
func (a *Application) SchedCatalogRefreshTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	var products []domain.Product
	err := a.gormDB.
		Where("status = ?", common.ENABLED).
		Order("id ASC").
		Find(&products).Error
	if err != nil {
		zap.L().Warn("catalog refresh query failed", zap.Error(err))
		a.outbox.SetOnline(context.Background(), false)
		return
	}

	// a successful read of the authoritative store implies connectivity
	a.outbox.SetOnline(context.Background(), true)

	if err := a.catalog.Offer(catalog.Snapshot{
		Items:      products,
		Provenance: catalog.FromServer,
	}); err != nil {
		zap.L().Error("catalog refresh apply failed", zap.Error(err))
	}
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(_cpuuse[0]*100)) // Store as percentage * 100
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", int64(_meminfo.UsedPercent*100))
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if pmem, err := proc.MemoryInfo(); err == nil {
			metrics.SetGauge("process_rss", int64(pmem.RSS))
		}
	}

	if depth, err := a.outbox.Depth(); err == nil {
		metrics.SetGauge("outbox_depth", int64(depth))
	}
}
