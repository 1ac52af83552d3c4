package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/netprobe/internal/config"
	"github.com/NodePath81/netprobe/internal/control"
	"github.com/NodePath81/netprobe/internal/geoip"
	"github.com/NodePath81/netprobe/internal/metrics"
	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/publish"
	"github.com/NodePath81/netprobe/internal/scheduler"
	"github.com/NodePath81/netprobe/internal/transport"
	"github.com/NodePath81/netprobe/internal/util"
	"github.com/NodePath81/netprobe/internal/version"
)

const (
	defaultHistoryLen = 100
	defaultPrecision  = 1
	shutdownTimeout   = 2 * time.Second
)

// Runtime owns one generation of probes, publishers and the control plane,
// built from a single configuration. A reload replaces the whole Runtime.
type Runtime struct {
	cfg       config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	logger    util.Logger
	logCloser io.Closer
	geoip     *geoip.Annotator
	probes    []probe.Probe
	publisher *publish.Multi
	mqtt      *publish.MQTT
	metrics   *metrics.Prometheus
	hub       *control.StatusHub
	scheduler *scheduler.Scheduler
	control   *control.ControlServer
	started   bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	logger, logCloser, err := runtimeLogger(cfg, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		logCloser: logCloser,
		publisher: publish.NewMulti(),
	}
	if err := rt.build(restartFn); err != nil {
		rt.release()
		return nil, err
	}
	return rt, nil
}

func runtimeLogger(cfg config.Config, fallback util.Logger) (util.Logger, io.Closer, error) {
	opts := cfg.Service.Log.Options()
	if opts.File == "" && opts.Level == "" && opts.Format == "" && fallback != nil {
		return fallback.With("service", cfg.Service.ID), nopCloser{}, nil
	}
	logger, closer, err := util.NewLoggerWith(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("service.log: %w", err)
	}
	return logger.With("service", cfg.Service.ID), closer, nil
}

func (r *Runtime) build(restartFn func() error) error {
	annotator, err := geoip.Open(r.cfg.GeoIP.Database)
	if err != nil {
		return err
	}
	r.geoip = annotator

	probes, err := buildProbes(r.cfg, annotator, r.logger)
	r.probes = probes
	if err != nil {
		return err
	}
	if err := r.buildPublishers(); err != nil {
		return err
	}

	sched, err := scheduler.New(probes, r.publisher, r.logger, scheduler.Options{
		PublishTimeout: r.cfg.Publish.Timeout.Duration(),
	})
	if err != nil {
		return err
	}
	r.scheduler = sched

	if r.cfg.Control.Enabled {
		r.control = control.NewControlServer(r.cfg, sched, r.hub, r.metricsHandler(), restartFn, r.logger)
	}
	return nil
}

func (r *Runtime) buildPublishers() error {
	pub := r.cfg.Publish
	if pub.Log != nil {
		level, err := util.ParseLevel(pub.Log.Level)
		if err != nil {
			return fmt.Errorf("publish.log.level: %w", err)
		}
		r.publisher.Add(publish.NewLog(r.logger, level))
	}
	if pub.MQTT != nil {
		disc := publish.NewDiscovery(r.cfg.Service.ID, r.cfg.Service.Name, version.Version)
		disc.Prefix = pub.MQTT.DiscoveryPrefix
		disc.MinHistoryFill = util.FloatValue(pub.MQTT.MinHistoryFill, publish.DefaultMinHistoryFill)
		client, err := publish.NewMQTT(publish.MQTTConfig{
			Host:           pub.MQTT.Host,
			Port:           pub.MQTT.Port,
			Transport:      pub.MQTT.Transport,
			Username:       pub.MQTT.Username,
			Password:       pub.MQTT.Password,
			ConnectTimeout: pub.MQTT.ConnectTimeout.Duration(),
			Discovery:      disc,
		}, r.logger)
		if err != nil {
			return err
		}
		r.mqtt = client
		r.publisher.Add(client)
	}
	if pub.Redis != nil {
		client, err := publish.NewRedis(r.ctx, publish.RedisConfig{
			Addr:      pub.Redis.Addr,
			Username:  pub.Redis.Username,
			Password:  pub.Redis.Password,
			DB:        pub.Redis.DB,
			Channel:   pub.Redis.Channel,
			KeyPrefix: pub.Redis.KeyPrefix,
			TTL:       pub.Redis.TTL.Duration(),
		})
		if err != nil {
			return err
		}
		r.publisher.Add(client)
	}
	if pub.SQLite != nil {
		retention := publish.DefaultSQLiteRetention
		if pub.SQLite.Retention != nil {
			retention = pub.SQLite.Retention.Duration()
		}
		store, err := publish.NewSQLite(publish.SQLiteConfig{Path: pub.SQLite.Path, Retention: retention})
		if err != nil {
			return err
		}
		r.publisher.Add(store)
	}
	if r.cfg.Control.Enabled {
		if r.cfg.Control.Metrics.IsEnabled() {
			r.metrics = metrics.New()
			r.publisher.Add(r.metrics)
		}
		r.hub = control.NewStatusHub(r.ctx.Done())
		r.publisher.Add(r.hub)
	}
	if r.publisher.Len() == 0 {
		r.logger.Warn("no publishers configured, measurements are only kept in memory")
	}
	return nil
}

func (r *Runtime) metricsHandler() http.Handler {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.Handler()
}

// buildProbes creates every leaf probe, then the compound probes over them.
// Probes built before an error are returned so the caller can close them.
func buildProbes(cfg config.Config, annotator *geoip.Annotator, logger util.Logger) ([]probe.Probe, error) {
	probes := make([]probe.Probe, 0, len(cfg.Probes.DNS)+len(cfg.Probes.ICMP)+len(cfg.Compound))
	leaves := make(map[probe.Identity]probe.Probe)
	add := func(p probe.Probe) {
		probes = append(probes, p)
		leaves[p.Identity()] = p
	}

	for _, pc := range cfg.Probes.DNS {
		tr, err := transport.NewDNS(transport.DNSConfig{
			Server:     pc.Target,
			QueryNames: pc.QueryNames,
			Interface:  pc.Interface,
		})
		if err != nil {
			return probes, fmt.Errorf("dns probe %s: %w", pc.Name, err)
		}
		p, err := probe.NewLeaf(leafConfig(pc.ProbeConfig, probe.KindDNS, annotator, logger), tr)
		if err != nil {
			_ = tr.Close()
			return probes, err
		}
		add(p)
	}
	for _, pc := range cfg.Probes.ICMP {
		tr, err := transport.NewICMP(transport.ICMPConfig{
			Target:      pc.Target,
			PayloadSize: util.IntValue(pc.PayloadSize, transport.DefaultPayloadSize),
			Privileged:  util.BoolValue(pc.Privileged, false),
			Interface:   pc.Interface,
		})
		if err != nil {
			return probes, fmt.Errorf("icmp probe %s: %w", pc.Name, err)
		}
		p, err := probe.NewLeaf(leafConfig(pc.ProbeConfig, probe.KindICMP, annotator, logger), tr)
		if err != nil {
			_ = tr.Close()
			return probes, err
		}
		add(p)
	}

	for _, cc := range cfg.Compound {
		rule, err := probe.LookupRule(cc.Rule)
		if err != nil {
			return probes, fmt.Errorf("compound probe %s: %w", cc.Name, err)
		}
		children := make([]probe.Probe, 0, len(cc.Probes))
		for _, ref := range cc.Probes {
			child, ok := leaves[ref.Identity()]
			if !ok {
				return probes, fmt.Errorf("%s probe %s used by %s not found", ref.Kind, ref.Name, cc.Name)
			}
			children = append(children, child)
		}
		p, err := probe.NewCompound(probe.CompoundConfig{
			Name:       cc.Name,
			Rule:       rule,
			Interval:   cc.Interval.Duration(),
			HistoryLen: util.IntValue(cc.HistoryLen, defaultHistoryLen),
			Precision:  util.IntValue(cc.Precision, defaultPrecision),
			Children:   children,
		})
		if err != nil {
			return probes, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

func leafConfig(pc config.ProbeConfig, kind probe.Kind, annotator *geoip.Annotator, logger util.Logger) probe.LeafConfig {
	attrs := map[string]string{}
	if pc.Interface != "" {
		attrs["interface"] = pc.Interface
	}
	attrs, err := annotator.Annotate(pc.Target, attrs)
	if err != nil && !errors.Is(err, geoip.ErrNotIP) {
		logger.Warn("geoip lookup failed", "probe", string(kind)+"/"+pc.Name, "target", pc.Target, "error", err)
	}
	return probe.LeafConfig{
		Name:       pc.Name,
		Kind:       kind,
		Target:     pc.Target,
		Interval:   pc.Interval.Duration(),
		Timeout:    pc.Timeout.Duration(),
		HistoryLen: util.IntValue(pc.HistoryLen, defaultHistoryLen),
		Precision:  util.IntValue(pc.Precision, defaultPrecision),
		Attributes: attrs,
	}
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.Stop()
			return fmt.Errorf("control server: %w", err)
		}
	}
	if r.mqtt != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.mqtt.Connect(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Error("mqtt connect failed", "error", err)
			}
		}()
	}
	if err := r.scheduler.Start(r.ctx); err != nil {
		r.Stop()
		return err
	}
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchFailures()
	}()
	r.logger.Info("runtime started", "probes", len(r.probes), "publishers", r.publisher.Len(), "version", version.Version)
	return nil
}

// Stop halts measurement first so the final snapshots still reach the
// publishers, then tears down the control plane and the publishers.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.scheduler.Stop()
		if !r.started {
			for _, p := range r.probes {
				_ = p.Close()
			}
		}
		if r.control != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = r.control.Shutdown(ctx)
			cancel()
		}
		r.cancel()
		r.wg.Wait()
		if err := r.publisher.Close(); err != nil {
			r.logger.Warn("publisher close failed", "error", err)
		}
		if err := r.geoip.Close(); err != nil {
			r.logger.Warn("geoip close failed", "error", err)
		}
		r.logger.Info("runtime stopped")
		_ = r.logCloser.Close()
	})
}

// release undoes a partial build. Probes are closed here because the
// scheduler that would own them was never started.
func (r *Runtime) release() {
	r.cancel()
	for _, p := range r.probes {
		_ = p.Close()
	}
	_ = r.publisher.Close()
	_ = r.geoip.Close()
	_ = r.logCloser.Close()
}

func (r *Runtime) watchFailures() {
	failures := r.scheduler.Failures()
	for {
		select {
		case <-r.ctx.Done():
			return
		case f, ok := <-failures:
			if !ok {
				return
			}
			r.logger.Error("probe stopped", "probe", f.Identity.String(), "error", f.Err)
		}
	}
}

// ControlAddr returns the bound control address, or "" when disabled.
func (r *Runtime) ControlAddr() string {
	if r.control == nil {
		return ""
	}
	return r.control.Addr()
}

func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.scheduler
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
