package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hydronix/warranty-agent/agent/agents/orchestrator"
	contractx "github.com/hydronix/warranty-agent/agent/contract"
	nodex "github.com/hydronix/warranty-agent/agent/nodes/orchestrator"
	plannerx "github.com/hydronix/warranty-agent/agent/planner"
	"github.com/hydronix/warranty-agent/agent/prompt"
	statex "github.com/hydronix/warranty-agent/agent/state"
	toolx "github.com/hydronix/warranty-agent/agent/tool"
	configx "github.com/hydronix/warranty-agent/pkg/config"
	logx "github.com/hydronix/warranty-agent/pkg/logger"
	_ "github.com/hydronix/warranty-agent/pkg/logger/autoload"
	openrouterx "github.com/hydronix/warranty-agent/pkg/openrouter"
	paypalx "github.com/hydronix/warranty-agent/pkg/paypal"
)

type AppConfig struct {
	StateBackend string `envconfig:"STATE_BACKEND" default:"memory"`
}

func main() {
	ctx := context.Background()
	appCfg := configx.MustNew[AppConfig]("")

	store := newStore(ctx, appCfg.StateBackend)
	planner := newPlanner(ctx)
	gateway := newGateway()

	o, err := orchestrator.New(store, planner, gateway,
		orchestrator.WithLogger(logx.With("orchestrator")),
	)
	if err != nil {
		panic(err)
	}

	runInteractive(ctx, o)
}

func newStore(ctx context.Context, backend string) statex.Store {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return statex.NewMemoryStore()
	case "redis":
		cfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		store, err := statex.NewUpstashRedisStore(*cfg)
		if err != nil {
			panic(err)
		}
		return store
	case "postgres":
		cfg := configx.MustNew[statex.PostgresConfig]("DATABASE")
		store, err := statex.NewPostgresStore(*cfg)
		if err != nil {
			panic(err)
		}
		if err := store.Init(ctx); err != nil {
			panic(err)
		}
		return store
	}
	panic(fmt.Sprintf("unknown state backend %q", backend))
}

// newPlanner prefers the LLM planner when OpenRouter credentials are present
// and falls back to the deterministic rule planner otherwise.
func newPlanner(ctx context.Context) contractx.Planner {
	if os.Getenv("OPENROUTER_API_KEY") == "" {
		log.Info().Msg("no OpenRouter credentials, using rule planner")
		return plannerx.NewRulePlanner()
	}

	cfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	chatModel, err := cfg.New(ctx)
	if err != nil {
		panic(err)
	}

	// The agent prompt sets tone and policy for user-facing message text; the
	// planner prompt carries the plan schema and tool contract.
	prompts := prompt.LoadPromptSet()
	systemPrompt := prompts.Agent + "\n\n" + prompts.Planner
	llm, err := plannerx.NewLLMPlanner(ctx, chatModel, systemPrompt)
	if err != nil {
		panic(err)
	}
	log.Info().Str("model", cfg.Model).Msg("using LLM planner")
	return llm
}

func newGateway() contractx.ToolGateway {
	var opts []toolx.ActionsOption
	if os.Getenv("PAYPAL_URL") != "" {
		cfg := configx.MustNew[paypalx.Config]("PAYPAL")
		opts = append(opts, toolx.WithCheckoutClient(paypalx.MustNew(*cfg)))
	}

	gateway, err := toolx.NewLocalGateway(toolx.NewActions(opts...))
	if err != nil {
		panic(err)
	}
	return gateway
}

const banner = `Warranty service agent. Demo products: %s

Commands:
  /login              mark yourself logged in
  /registered         mark registered products on the account
  /product <id>       set the product id for the next message
  /zip <zip> [state]  set your service location
  /new                start a new case
  /quit               exit

Anything else is sent to the agent as a message.
`

func runInteractive(ctx context.Context, o *orchestrator.Orchestrator) {
	fmt.Printf(banner, strings.Join(toolx.DemoProductIDs(), ", "))

	var (
		caseID string
		facts  statex.TurnFacts
	)
	yes := true

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return
		case line == "/new":
			caseID = ""
			facts = statex.TurnFacts{}
			fmt.Println("started a new case")
		case line == "/login":
			facts.LoggedIn = &yes
			fmt.Println("noted: logged in")
		case line == "/registered":
			facts.HasRegisteredProducts = &yes
			fmt.Println("noted: registered products")
		case strings.HasPrefix(line, "/product "):
			facts.ProductID = strings.TrimSpace(strings.TrimPrefix(line, "/product "))
			fmt.Printf("noted: product %s\n", facts.ProductID)
		case strings.HasPrefix(line, "/zip "):
			fields := strings.Fields(strings.TrimPrefix(line, "/zip "))
			loc := statex.Location{Zip: fields[0]}
			if len(fields) > 1 {
				loc.State = strings.ToUpper(fields[1])
			}
			facts.Location = &loc
			fmt.Printf("noted: location %s %s\n", loc.Zip, loc.State)
		case line == "":
		default:
			out, err := o.HandleTurn(ctx, nodex.GraphInput{
				CaseID: caseID,
				Text:   line,
				Facts:  facts,
			})
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			caseID = out.CaseID
			facts = statex.TurnFacts{}
			fmt.Printf("\n%s\n\n[case %s, stage %s", out.Reply, out.CaseID, out.Stage)
			if out.Outcome != "" {
				fmt.Printf(", outcome %s", out.Outcome)
			}
			fmt.Println("]")
		}
		fmt.Print("> ")
	}
}
