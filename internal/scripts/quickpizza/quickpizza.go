// Package quickpizza orders pizzas from a QuickPizza service.
//
// Exports:
//   - getPizza: POST /api/pizza with fixed restrictions, authenticated with
//     a random token from the "tokens" dataset when one is configured
//
// Variables:
//   - THINK_TIME: pause after each order (default 1s)
package quickpizza

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// Name is the registry name of the script.
const Name = "quickpizza"

// Custom metrics.
const (
	MetricPizzas      = "quickpizza_number_of_pizzas"
	MetricIngredients = "quickpizza_ingredients"
)

// TokensDataset is the dataset holding API tokens.
const TokensDataset = "tokens"

// DefaultThinkTime is the pause after each order.
const DefaultThinkTime = time.Second

// Restrictions is the body of a pizza order.
type Restrictions struct {
	MaxCaloriesPerSlice int      `json:"maxCaloriesPerSlice"`
	MustBeVegetarian    bool     `json:"mustBeVegetarian"`
	ExcludedIngredients []string `json:"excludedIngredients"`
	ExcludedTools       []string `json:"excludedTools"`
	MaxNumberOfToppings int      `json:"maxNumberOfToppings"`
	MinNumberOfToppings int      `json:"minNumberOfToppings"`
}

// DefaultRestrictions are sent with every order.
var DefaultRestrictions = Restrictions{
	MaxCaloriesPerSlice: 500,
	ExcludedIngredients: []string{"pepperoni"},
	ExcludedTools:       []string{"knife"},
	MaxNumberOfToppings: 6,
	MinNumberOfToppings: 2,
}

func init() {
	loadtest.Register(Name, New)
}

// New returns the QuickPizza script.
func New() loadtest.Script {
	return &loadtest.Funcs{
		Metrics: []loadtest.MetricDecl{
			{Name: MetricPizzas, Kind: metrics.KindCounter},
			{Name: MetricIngredients, Kind: metrics.KindTrend},
		},
		SetupFn:    setup,
		TeardownFn: teardown,
		Exports: map[string]loadtest.IterationFunc{
			"getPizza":           getPizza,
			loadtest.DefaultExec: getPizza,
		},
	}
}

// setup fails the run unless the service answers 200.
func setup(it *loadtest.Iteration) (any, error) {
	it.Log().Info("verifying QuickPizza availability", zap.String("base_url", it.BaseURL()))

	resp := it.Get("/", nil)
	if resp.StatusCode != http.StatusOK {
		if resp.Err != nil {
			return nil, fmt.Errorf("QuickPizza unavailable: %w", resp.Err)
		}
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, resp.URL)
	}

	it.Log().Info("QuickPizza is available")
	return nil, nil
}

func teardown(it *loadtest.Iteration, _ any) error {
	it.Log().Info("cleaning up after scenarios")
	return nil
}

func getPizza(it *loadtest.Iteration) error {
	req := swarmhttp.NewRequest(http.MethodPost, "/api/pizza").
		WithName("POST /api/pizza").
		WithHeader("Content-Type", "application/json").
		WithBody(DefaultRestrictions)

	token := randomToken(it)
	if token != "" {
		req.WithHeader("Authorization", "token "+token)
	}

	resp := it.Request(req)
	it.CheckResponse(resp, loadtest.ResponseChecks{
		"status is 200": func(r *swarmhttp.Response) bool { return r.StatusCode == http.StatusOK },
	})

	name := "(unknown)"
	if n := resp.JSON("pizza.name"); n.Exists() {
		name = n.String()
	}
	count := len(resp.JSON("pizza.ingredients").Array())

	if err := it.Add(MetricPizzas, 1, nil); err != nil {
		return err
	}
	if err := it.Add(MetricIngredients, float64(count), nil); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("pizza", name), zap.Int("ingredients", count)}
	if token != "" {
		fields = append(fields, zap.String("token", prefix(token, 8)+"..."))
	}
	it.Log().Debug("pizza ordered", fields...)

	it.Sleep(thinkTime(it))
	return nil
}

func randomToken(it *loadtest.Iteration) string {
	tokens := it.Dataset(TokensDataset)
	if tokens == nil || tokens.Len() == 0 {
		return ""
	}
	return tokens.Random().String()
}

func thinkTime(it *loadtest.Iteration) time.Duration {
	if v := it.Env("THINK_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return DefaultThinkTime
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
