package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/darkpool-api/internal/compute"
	"github.com/ksred/darkpool-api/internal/database"
	"github.com/ksred/darkpool-api/internal/ledger"
	"github.com/ksred/darkpool-api/internal/lock"
	"github.com/ksred/darkpool-api/internal/market"
	"github.com/ksred/darkpool-api/internal/position"
	"github.com/ksred/darkpool-api/internal/types"
)

const (
	minBettors  = 15
	maxBettors  = 150
	numWorkers  = 5
	maxDeposit  = 1_000
	invalidRate = 0.05
	authority   = "sim-authority"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// opStats tracks latency and failures of one service operation
type opStats struct {
	mu        sync.Mutex
	name      string
	durations []time.Duration
	failures  int
}

func (s *opStats) record(start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, time.Since(start))
	if err != nil {
		s.failures++
	}
}

// calculate returns mean, median and 95th percentile durations
func (s *opStats) calculate() (mean, median, p95 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0
	}
	sort.Slice(s.durations, func(i, j int) bool { return s.durations[i] < s.durations[j] })

	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	mean = sum / time.Duration(len(s.durations))
	median = s.durations[len(s.durations)/2]
	p95 = s.durations[int(math.Ceil(float64(len(s.durations))*0.95))-1]
	return
}

// simClock lets the simulation jump over betting windows
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type bettor struct {
	owner   string
	outcome uint8
	amount  uint64
	credit  uint64
	pos     *position.Position
	claimed uint64
}

type simulation struct {
	ctx       context.Context
	svc       *market.Service
	cluster   *compute.LocalCluster
	ledger    *ledger.Ledger
	clock     *simClock
	marketID  uint64
	requestID atomic.Uint64
	stats     map[string]*opStats
	shuffle   *mrand.Rand
}

func main() {
	bettorCount := flag.Int("bettors", 0, "number of bettors, random when 0")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for bet sizes and delivery order")
	flag.Parse()

	rng := mrand.New(mrand.NewSource(*seed))
	if *bettorCount <= 0 {
		*bettorCount = minBettors + rng.Intn(maxBettors-minBettors+1)
	}

	sim, err := newSimulation(rng)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up simulation")
	}

	bettors := make([]*bettor, *bettorCount)
	for i := range bettors {
		amount := uint64(1 + rng.Intn(maxDeposit))
		b := &bettor{owner: "bettor-" + uuid.NewString()[:8], outcome: uint8(rng.Intn(2)), amount: amount, credit: amount + uint64(rng.Intn(100))}
		if rng.Float64() < invalidRate {
			b.outcome = 2
		}
		bettors[i] = b
	}

	start := time.Now()
	if err := sim.run(bettors); err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}
	elapsed := time.Since(start)

	sim.printStats()
	if err := sim.printSettlement(bettors); err != nil {
		log.Fatal().Err(err).Msg("Value conservation check failed")
	}
	fmt.Printf("\nSimulated %d bettors in %s (seed %d)\n", len(bettors), elapsed.Round(time.Millisecond), *seed)
}

func newSimulation(rng *mrand.Rand) (*simulation, error) {
	db, err := database.Open(":memory:", false)
	if err != nil {
		return nil, err
	}

	keys, err := compute.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	var stateKey [32]byte
	if _, err := rand.Read(stateKey[:]); err != nil {
		return nil, err
	}
	identity := compute.Identity{KeyID: "sim", Secret: []byte(uuid.NewString())}
	cluster := compute.NewLocalCluster(compute.LocalClusterConfig{Keys: keys, StateKey: stateKey, Identity: identity})

	clock := &simClock{now: time.Now()}
	l := ledger.NewLedger(db)
	svc := market.NewService(db, cluster, compute.NewVerifier(identity), l, lock.NewLocalLocker(),
		market.WithClock(clock.Now),
		market.WithOddsQuoter(cluster),
	)

	sim := &simulation{
		ctx:      context.Background(),
		svc:      svc,
		cluster:  cluster,
		ledger:   l,
		clock:    clock,
		marketID: uint64(1 + rng.Intn(1_000_000)),
		shuffle:  rng,
		stats:    map[string]*opStats{},
	}
	for _, name := range []string{"place_bet", "on_result", "request_payout", "claim_payout", "claim_refund"} {
		sim.stats[name] = &opStats{name: name}
	}
	return sim, nil
}

func (s *simulation) run(bettors []*bettor) error {
	now := s.clock.Now().Unix()
	_, err := s.svc.CreateMarket(s.ctx, authority, market.CreateMarketRequest{
		MarketID:        s.marketID,
		Question:        "Will the simulation conserve value?",
		BettingStartTs:  now,
		BettingEndTs:    now + 3600,
		ResolutionEndTs: now + 7200,
	})
	if err != nil {
		return fmt.Errorf("create market: %w", err)
	}
	if _, err := s.svc.OpenMarket(s.ctx, authority, s.marketID); err != nil {
		return fmt.Errorf("open market: %w", err)
	}

	for _, b := range bettors {
		if _, err := s.ledger.Fund(s.ctx, b.owner, b.credit); err != nil {
			return fmt.Errorf("credit %s: %w", b.owner, err)
		}
	}

	if err := s.placeBets(bettors); err != nil {
		return err
	}
	s.deliverShuffled()

	if odds, err := s.svc.GetOdds(s.ctx, s.marketID, types.OutcomeYes, 0); err == nil {
		fmt.Printf("Implied YES odds before close: %.4f\n", float64(odds.Odds)/float64(odds.Scale))
	}

	s.clock.Advance(time.Hour)
	if _, err := s.svc.CloseBetting(s.ctx, authority, s.marketID); err != nil {
		return fmt.Errorf("close betting: %w", err)
	}
	winning := uint8(s.shuffle.Intn(2))
	if _, err := s.svc.ResolveMarket(s.ctx, authority, s.marketID, winning); err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}
	fmt.Printf("Market %d resolved with outcome %d\n", s.marketID, winning)

	if err := s.requestPayouts(bettors); err != nil {
		return err
	}
	s.deliverShuffled()

	return s.claim(bettors)
}

// placeBets submits every bet from a bounded worker pool. Workers race for
// the market lock, so a request id can be overtaken by a later one; the loser
// retries with a fresh id.
func (s *simulation) placeBets(bettors []*bettor) error {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(numWorkers)

	for _, b := range bettors {
		g.Go(func() error {
			keys, err := compute.GenerateKeyPair(rand.Reader)
			if err != nil {
				return err
			}
			var nonce types.Nonce
			if _, err := rand.Read(nonce[:]); err != nil {
				return err
			}
			ct, err := compute.EncryptBet(keys, s.cluster.PublicKey(), nonce, b.outcome, b.amount)
			if err != nil {
				return err
			}

			for {
				in := market.BetInput{
					RequestID:    s.requestID.Add(1),
					EncryptedBet: ct,
					UserPubKey:   keys.Public,
					Nonce:        nonce,
					Deposit:      b.amount,
				}
				start := time.Now()
				pos, err := s.svc.PlaceBet(ctx, b.owner, s.marketID, in)
				s.stats["place_bet"].record(start, err)
				if errors.Is(err, types.ErrInvalidRequestID) {
					continue
				}
				if err != nil {
					return fmt.Errorf("place bet for %s: %w", b.owner, err)
				}
				b.pos = pos
				return nil
			}
		})
	}
	return g.Wait()
}

// deliverShuffled hands the cluster's results back in random order, which
// exercises the out-of-order queue
func (s *simulation) deliverShuffled() {
	cbs := s.cluster.Take()
	s.shuffle.Shuffle(len(cbs), func(i, j int) { cbs[i], cbs[j] = cbs[j], cbs[i] })

	for _, cb := range cbs {
		start := time.Now()
		err := s.svc.OnResult(s.ctx, cb)
		s.stats["on_result"].record(start, err)
		if err != nil {
			log.Error().Err(err).Uint64("request_id", cb.RequestID).Msg("Result rejected")
		}
	}
}

func (s *simulation) requestPayouts(bettors []*bettor) error {
	for _, b := range bettors {
		pos, err := s.svc.GetPosition(b.owner, s.marketID, b.pos.PositionID)
		if err != nil {
			return err
		}
		b.pos = pos
		if pos.Rejected {
			continue
		}

		start := time.Now()
		_, err = s.svc.RequestPayout(s.ctx, b.owner, s.marketID, pos.PositionID, s.requestID.Add(1))
		s.stats["request_payout"].record(start, err)
		if err != nil {
			return fmt.Errorf("request payout for %s: %w", b.owner, err)
		}
	}
	return nil
}

func (s *simulation) claim(bettors []*bettor) error {
	for _, b := range bettors {
		pos, err := s.svc.GetPosition(b.owner, s.marketID, b.pos.PositionID)
		if err != nil {
			return err
		}
		b.pos = pos

		op := "claim_payout"
		claim := s.svc.ClaimPayout
		if pos.Rejected {
			op, claim = "claim_refund", s.svc.ClaimRefund
		}

		start := time.Now()
		resp, err := claim(s.ctx, b.owner, s.marketID, pos.PositionID)
		s.stats[op].record(start, err)
		switch {
		case errors.Is(err, types.ErrNoPayout):
		case err != nil:
			return fmt.Errorf("%s for %s: %w", op, b.owner, err)
		default:
			b.claimed = resp.Amount
		}
	}
	return nil
}

func (s *simulation) printStats() {
	fmt.Println("\nOperation latency")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Operation", "Calls", "Failures", "Mean", "Median", "P95")
	for _, name := range []string{"place_bet", "on_result", "request_payout", "claim_payout", "claim_refund"} {
		st := s.stats[name]
		mean, median, p95 := st.calculate()
		table.Append(
			st.name,
			fmt.Sprintf("%d", len(st.durations)),
			fmt.Sprintf("%d", st.failures),
			mean.String(),
			median.String(),
			p95.String(),
		)
	}
	table.Render()
}

// printSettlement summarizes the market and checks that every unit credited
// is still accounted for
func (s *simulation) printSettlement(bettors []*bettor) error {
	view, err := s.svc.GetMarket(s.marketID)
	if err != nil {
		return err
	}
	vault, err := s.ledger.Balance(view.Vault)
	if err != nil {
		return err
	}

	var credited, held, deposits, paid uint64
	var rejected, winners int
	for _, b := range bettors {
		bal, err := s.ledger.Balance(b.owner)
		if err != nil {
			return err
		}
		credited += b.credit
		held += bal
		deposits += b.amount
		paid += b.claimed
		if b.pos.Rejected {
			rejected++
		} else if b.claimed > 0 {
			winners++
		}
	}

	fmt.Println("\nSettlement")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Status", string(view.Status))
	table.Append("State version", fmt.Sprintf("%d", view.StateVersion))
	table.Append("Positions", fmt.Sprintf("%d", view.TotalPositions))
	table.Append("Rejected", fmt.Sprintf("%d", rejected))
	table.Append("Winners", fmt.Sprintf("%d", winners))
	table.Append("Deposits", fmt.Sprintf("%d", deposits))
	table.Append("Paid out", fmt.Sprintf("%d", paid))
	table.Append("Vault remainder", fmt.Sprintf("%d", vault))
	table.Render()

	if held+vault != credited {
		return fmt.Errorf("balances %d + vault %d != credited %d", held, vault, credited)
	}
	if paid > deposits {
		return fmt.Errorf("paid %d exceeds deposits %d", paid, deposits)
	}
	return nil
}
