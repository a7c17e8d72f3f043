// Command quickpizza-server is a local stand-in for the QuickPizza service,
// for running examples/quickpizza.yaml without network access.
package main

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/logging"
	"github.com/wesleyorama2/swarm/internal/scripts/quickpizza"
)

type ingredient struct {
	Name             string `json:"name"`
	CaloriesPerSlice int    `json:"caloriesPerSlice"`
	Vegetarian       bool   `json:"vegetarian"`
}

type pizza struct {
	Name        string       `json:"name"`
	Ingredients []ingredient `json:"ingredients"`
	Tool        string       `json:"tool"`
}

var (
	toppings = []ingredient{
		{"mozzarella", 60, true}, {"gorgonzola", 80, true}, {"parmesan", 50, true},
		{"tomato", 10, true}, {"basil", 2, true}, {"mushrooms", 8, true},
		{"olives", 20, true}, {"pepperoni", 90, false}, {"ham", 70, false},
		{"anchovies", 40, false},
	}
	tools = []string{"knife", "pizza cutter", "scissors"}
)

func main() {
	var addr, logLevel string
	var requireToken bool

	cmd := &cobra.Command{
		Use:   "quickpizza-server",
		Short: "Serve a minimal QuickPizza API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			defer logger.Sync()

			server := &http.Server{
				Addr:              addr,
				Handler:           newMux(logger, requireToken),
				ReadTimeout:       5 * time.Second,
				WriteTimeout:      5 * time.Second,
				IdleTimeout:       120 * time.Second,
				ReadHeaderTimeout: 2 * time.Second,
			}
			logger.Info("starting QuickPizza stand-in", zap.String("addr", addr), zap.Bool("require_token", requireToken))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":3333", "Listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&requireToken, "require-token", false, "Reject orders without an Authorization token")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newMux(logger *zap.Logger, requireToken bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("QuickPizza"))
	})

	mux.HandleFunc("/api/pizza", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if requireToken && !strings.HasPrefix(r.Header.Get("Authorization"), "token ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var restrictions quickpizza.Restrictions
		if err := json.NewDecoder(r.Body).Decode(&restrictions); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		p, ok := recommend(restrictions)
		if !ok {
			http.Error(w, "no pizza matches the restrictions", http.StatusNotFound)
			return
		}
		logger.Debug("pizza recommended", zap.String("pizza", p.Name), zap.Int("ingredients", len(p.Ingredients)))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"pizza": p})
	})

	return mux
}

// recommend builds a random pizza within the restrictions.
func recommend(rs quickpizza.Restrictions) (pizza, bool) {
	var allowed []ingredient
	for _, ing := range toppings {
		if slices.Contains(rs.ExcludedIngredients, ing.Name) {
			continue
		}
		if rs.MustBeVegetarian && !ing.Vegetarian {
			continue
		}
		allowed = append(allowed, ing)
	}

	var allowedTools []string
	for _, t := range tools {
		if !slices.Contains(rs.ExcludedTools, t) {
			allowedTools = append(allowedTools, t)
		}
	}

	lo, hi := max(rs.MinNumberOfToppings, 1), rs.MaxNumberOfToppings
	if hi <= 0 || hi > len(allowed) {
		hi = len(allowed)
	}
	if lo > hi || len(allowedTools) == 0 {
		return pizza{}, false
	}

	rand.Shuffle(len(allowed), func(i, j int) { allowed[i], allowed[j] = allowed[j], allowed[i] })
	n := lo + rand.IntN(hi-lo+1)

	p := pizza{Tool: allowedTools[rand.IntN(len(allowedTools))]}
	calories := 0
	for _, ing := range allowed[:n] {
		if rs.MaxCaloriesPerSlice > 0 && calories+ing.CaloriesPerSlice > rs.MaxCaloriesPerSlice {
			break
		}
		calories += ing.CaloriesPerSlice
		p.Ingredients = append(p.Ingredients, ing)
	}
	if len(p.Ingredients) < lo {
		return pizza{}, false
	}
	p.Name = strings.ToUpper(p.Ingredients[0].Name[:1]) + p.Ingredients[0].Name[1:] + " Special"
	return p, true
}
