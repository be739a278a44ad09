package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flags"
	"github.com/banshee-data/distress.report/internal/monitoring"
	"github.com/banshee-data/distress.report/internal/vacancy"
)

// VacancyStats summarizes one pass 2 run.
type VacancyStats struct {
	Checked   int `json:"checked"`
	Vacant    int `json:"vacant"`
	Transient int `json:"transient"`
	Failed    int `json:"failed"`
	Resolved  int `json:"geocode_resolved"`
	Replayed  int `json:"replayed"`
}

// Circuit breaker thresholds on consecutive failures across all accounts.
const (
	breakerPauseAt = 10
	breakerAbortAt = 20
	breakerPause   = 5 * time.Minute
)

// ErrVacancyAborted is returned when the circuit breaker trips hard.
var ErrVacancyAborted = fmt.Errorf("vacancy: aborted after %d consecutive failures", breakerAbortAt)

// RunVacancy executes pass 2: carrier vacancy checks for high-composite
// parcels. The pass is defensive about its quota: a lock file prevents
// concurrent runs, every committed result is also appended to a JSONL
// backup that is replayed on the next start, and consecutive failures trip
// a circuit breaker before they can burn the day's allowance.
func (p *Pipeline) RunVacancy(ctx context.Context, county, state, workDir string, limit int) (*VacancyStats, error) {
	if p.Checker == nil || p.Checker.AccountCount() == 0 {
		return nil, fmt.Errorf("vacancy: no accounts configured")
	}

	lockPath := filepath.Join(workDir, "vacancy.lock")
	unlock, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stats := &VacancyStats{}
	backupPath := filepath.Join(workDir, "vacancy_backup.jsonl")
	if !p.DryRun {
		stats.Replayed = p.replayBackup(ctx, backupPath)
	}

	tuning := p.tuning()
	candidates, err := p.DB.ParcelsNeedingVacancyCheck(ctx, county, state,
		tuning.GetVacancyMinComposite(), tuning.GetVacancyCacheDays(), limit)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("vacancy: %d candidates for %s, %s across %d accounts",
		len(candidates), county, state, p.Checker.AccountCount())

	queue := make(chan vacancy.Candidate, len(candidates))
	for _, c := range candidates {
		queue <- p.resolveCandidate(ctx, c, stats)
	}
	close(queue)

	var mu sync.Mutex
	consecutiveFailures := 0
	aborted := false

	backup, err := os.OpenFile(backupPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vacancy backup open: %w", err)
	}
	defer backup.Close()

	var wg sync.WaitGroup
	for i := 0; i < p.Checker.AccountCount(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range queue {
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				if aborted {
					mu.Unlock()
					return
				}
				mu.Unlock()

				account, wait := p.Checker.Acquire()
				if account == nil {
					time.Sleep(wait)
					account, _ = p.Checker.Acquire()
					if account == nil {
						continue
					}
				}

				res := account.Check(cand.Street, cand.City, cand.State, cand.Zip)
				throttled := p.Checker.Report(account, res)

				mu.Lock()
				if res.ErrCode == "" {
					consecutiveFailures = 0
				} else {
					consecutiveFailures++
					stats.Failed++
					switch {
					case consecutiveFailures >= breakerAbortAt:
						aborted = true
						monitoring.Logf("vacancy: circuit breaker abort at %d failures", consecutiveFailures)
					case consecutiveFailures == breakerPauseAt:
						monitoring.Logf("vacancy: %d consecutive failures, pausing %s", consecutiveFailures, breakerPause)
						mu.Unlock()
						time.Sleep(breakerPause)
						mu.Lock()
					}
				}
				abort := aborted
				mu.Unlock()
				if abort {
					return
				}
				if throttled {
					continue // parcel stays unchecked, reselected next run
				}

				p.commitCheck(ctx, backup, &mu, stats, cand, account.Index, res)
				time.Sleep(p.Checker.Jitter())
			}
		}()
	}
	wg.Wait()

	if aborted {
		return stats, ErrVacancyAborted
	}
	if !p.DryRun {
		os.Remove(backupPath)
	}
	monitoring.Logf("vacancy: done, %d checked (%d vacant, %d transient, %d failed)",
		stats.Checked, stats.Vacant, stats.Transient, stats.Failed)
	return stats, nil
}

// resolveCandidate fills in the city/state/zip for a situs line, using the
// stored resolution, the situs itself, a reverse geocode, or the mailing
// address city when it shares the parcel's state.
func (p *Pipeline) resolveCandidate(ctx context.Context, c db.VacancyCandidate, stats *VacancyStats) vacancy.Candidate {
	street, city, st := vacancy.SplitSitus(c.Situs)
	if st == "" {
		st = c.State
	}
	cand := vacancy.Candidate{
		ParcelID: c.ID, County: c.County, ParcelState: c.State,
		Street: street, City: city, State: st, Zip: c.ResolvedZip,
	}
	if c.ResolvedCity != "" {
		cand.City = c.ResolvedCity
	}
	if cand.City != "" {
		return cand
	}

	if p.Geocoder != nil {
		if place, err := p.Geocoder.Resolve(ctx, c.Lat, c.Lng); err == nil && place.City != "" {
			cand.City = strings.ToUpper(place.City)
			if cand.Zip == "" {
				cand.Zip = place.Zip
			}
			stats.Resolved++
			return cand
		}
	}

	// Mailing address fallback, but only when it is in the same state:
	// out-of-state owners get mail somewhere unrelated to the parcel.
	_, mailCity, mailState := vacancy.SplitSitus(c.Mailing)
	if mailCity != "" && mailState == cand.State {
		cand.City = mailCity
	}
	return cand
}

// backupEntry is one JSONL line in the writeback journal.
type backupEntry struct {
	Update db.VacancyUpdate `json:"update"`
	At     time.Time        `json:"at"`
}

func (p *Pipeline) commitCheck(ctx context.Context, backup *os.File, mu *sync.Mutex, stats *VacancyStats, cand vacancy.Candidate, accountIndex int, res vacancy.Result) {
	transient := vacancy.IsTransient(res.ErrCode)
	update := db.VacancyUpdate{
		ParcelID: cand.ParcelID, County: cand.County, State: cand.ParcelState,
		FlagVacancy: res.Vacant, DPVConfirmed: res.DPVConfirmed, Business: res.Business,
		ErrCode: res.ErrCode, Transient: transient,
		AddressMismatch: res.AddressMismatch, CarrierRoute: res.CarrierRoute,
		MatchedAddress: res.MatchedAddress, MatchedCity: res.MatchedCity,
		MatchedZip: res.MatchedZip, MatchedZip4: res.MatchedZip4,
		ResolvedCity: cand.City, ResolvedZip: cand.Zip,
	}
	if res.Vacant != nil && *res.Vacant {
		ev := flags.VacancyEvidence{
			Vacant: res.Vacant, DPVConfirmed: res.DPVConfirmed,
			AddressMismatch: res.AddressMismatch,
			Address:         res.MatchedAddress, City: res.MatchedCity,
			Zip: res.MatchedZip, CarrierRoute: res.CarrierRoute,
		}
		if f, ok := flags.EvaluateVacancy(&ev); ok {
			update.Confidence = &f.Confidence
		}
	}

	mu.Lock()
	stats.Checked++
	if transient {
		stats.Transient++
	}
	if res.Vacant != nil && *res.Vacant {
		stats.Vacant++
	}
	if !p.DryRun {
		// Journal before the database write: a crash between the two is
		// recovered by replay, the reverse would double-spend quota.
		if line, err := json.Marshal(backupEntry{Update: update, At: time.Now().UTC()}); err == nil {
			backup.Write(append(line, '\n'))
		}
	}
	mu.Unlock()

	if p.DryRun {
		return
	}
	if err := p.DB.UpdateVacancy(ctx, update); err != nil {
		monitoring.Logf("vacancy: writeback %s: %v", cand.ParcelID, err)
	}
	p.DB.SaveVacancyCheck(ctx, db.VacancyAudit{
		ParcelID: cand.ParcelID, County: cand.County, State: cand.ParcelState,
		RequestAddress: cand.Street, MatchedAddress: res.MatchedAddress,
		Vacant: res.Vacant, DPVConfirmed: res.DPVConfirmed,
		AddressMismatch: res.AddressMismatch, ErrCode: res.ErrCode,
		AccountIndex: accountIndex,
	})
}

// replayBackup re-applies journaled writebacks from a previous run that
// may have died between journal and database.
func (p *Pipeline) replayBackup(ctx context.Context, path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	replayed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry backupEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if err := p.DB.UpdateVacancy(ctx, entry.Update); err != nil {
			monitoring.Logf("vacancy: replay %s: %v", entry.Update.ParcelID, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		monitoring.Logf("vacancy: replayed %d journaled writebacks", replayed)
	}
	return replayed
}

func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("vacancy: another run holds %s", path)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()
	return func() { os.Remove(path) }, nil
}
