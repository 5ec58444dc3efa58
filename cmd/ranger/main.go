// Command ranger drives an ultrasonic rangefinder at a fixed rate, printing
// each reading and its feedback value, and optionally journaling samples to
// sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/ultrasonic/internal/config"
	"github.com/banshee-data/ultrasonic/internal/db"
	"github.com/banshee-data/ultrasonic/internal/monitoring"
	"github.com/banshee-data/ultrasonic/internal/timeutil"
	"github.com/banshee-data/ultrasonic/internal/ultrasonic"
	"github.com/banshee-data/ultrasonic/internal/units"
	"github.com/banshee-data/ultrasonic/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to sensor config JSON (defaults built in)")
	backend     = flag.String("backend", backendDev, "Hardware backend: periph, serial or dev")
	pingChannel = flag.Int("ping", 23, "GPIO channel wired to the sensor RX (ping) pin")
	echoChannel = flag.Int("echo", 24, "GPIO channel wired to the sensor PW (echo) pin")
	port        = flag.String("port", "/dev/ttyAMA0", "Serial port for the serial backend")
	dbPath      = flag.String("db", "", "Journal samples to this sqlite file")
	unitsFlag   = flag.String("units", "", "Feedback units: "+units.GetValidUnitsString()+" (overrides config)")
	count       = flag.Int("count", 0, "Stop after this many readings (0 runs until interrupted)")
	devInches   = flag.Int("dev-inches", 120, "Range reported by the simulated sensor in dev mode")
	verbose     = flag.Bool("v", false, "Log every dropout and pulse")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.SensorConfig, error) {
	if *configPath == "" {
		return config.EmptySensorConfig(), nil
	}
	return config.LoadSensorConfig(*configPath)
}

func sessionOptions(cfg *config.SensorConfig) ([]ultrasonic.Option, error) {
	opts := []ultrasonic.Option{ultrasonic.WithConfig(cfg)}
	if *unitsFlag != "" {
		u, err := units.Parse(*unitsFlag)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ultrasonic.WithUnits(u))
	}
	return opts, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	opts, err := sessionOptions(cfg)
	if err != nil {
		log.Fatalf("invalid -units: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, waitReaders, err := openSession(ctx, *backend, cfg, *pingChannel, *echoChannel, *port, *devInches, opts)
	if err != nil {
		log.Fatalf("failed to open %s sensor: %v", *backend, err)
	}

	clock := timeutil.RealClock{}
	p, err := newPoller(session, clock, cfg.GetCaptureDelay(), os.Stdout)
	if err != nil {
		log.Fatalf("failed to create poller: %v", err)
	}
	p.limit = *count

	var journalDB *db.DB
	if *dbPath != "" {
		journalDB, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer journalDB.Close()
		p.journal = journalDB

		if err := journalDB.StartSession(db.SessionRecord{
			ID:        session.ID(),
			Backend:   *backend,
			PingCh:    *pingChannel,
			EchoCh:    *echoChannel,
			Units:     session.DistanceUnits().String(),
			StartedAt: clock.Now(),
		}); err != nil {
			log.Printf("failed to journal session start: %v", err)
		}
	}

	log.Printf("ranging every %s with %s backend, session %s", cfg.GetPollInterval(), *backend, session.ID())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := p.run(ctx, clock.NewTicker(cfg.GetPollInterval())); err != nil {
			log.Printf("poller stopped: %v", err)
		}
		log.Print("poll routine terminated")
	}()
	wg.Wait()

	// closing the session closes a serial port, which unblocks its reader
	if err := session.Close(); err != nil {
		log.Printf("failed to close session: %v", err)
	}

	done := make(chan struct{})
	go func() {
		waitReaders()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Print("timed out waiting for serial reader")
	}

	if journalDB != nil {
		if err := journalDB.EndSession(session.ID(), clock.Now()); err != nil {
			log.Printf("failed to journal session end: %v", err)
		}
		if st, err := journalDB.Stats(session.ID()); err == nil {
			log.Printf("session %s: %d samples, %.1f%% dropouts, range %.1f-%.1fin",
				session.ID(), st.Total, st.DropoutRate()*100, st.MinInches, st.MaxInches)
		}
	}
}
