package main

import (
	"context"
	"os"
	"strings"
	"time"

	stlog "log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"flowpay/payment/batch"
	"flowpay/payment/bridge"
	"flowpay/payment/db"
	"flowpay/payment/ledger"
	"flowpay/payment/order"
	"flowpay/utils"
	"flowpay/web/controllers"
	"flowpay/web/middleware"
)

func init() {
	utils.LoadEnv()
	db.Connect()
	db.Sync()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := db.NewStore(db.DB)
	orders := order.NewService(store)

	provider := order.NewProviderClient(
		utils.GetEnv("WOOVI_API_URL", "https://api.woovi.com"),
		os.Getenv("WOOVI_API_KEY"),
	)

	var writer ledger.Writer = ledger.Disabled{}
	if rpcURL := os.Getenv("LEDGER_RPC_URL"); rpcURL != "" {
		ethWriter, err := ledger.DialEthWriter(ctx, rpcURL,
			os.Getenv("LEDGER_PRIVATE_KEY"),
			os.Getenv("LEDGER_ANCHOR_ADDRESS"))
		if err != nil {
			stlog.Fatalln("Error connecting ledger writer:", err)
		}
		writer = ethWriter
	} else {
		stlog.Println("LEDGER_RPC_URL not set, proof anchoring disabled")
	}

	accumulator := batch.NewAccumulator(store, writer)

	bus := bridge.NewHTTPBus(
		utils.GetEnv("NEXUS_WEBHOOK_URL", "https://nexus.neoprotocol.space/api/webhooks/flowpay"),
		os.Getenv("NEXUS_SECRET"),
	)
	notifier := bridge.NewNotifier(orders, bus, store)
	dispatcher := bridge.NewDispatcher(notifier,
		utils.GetEnvInt("BRIDGE_WORKERS", 4),
		utils.GetEnvInt("BRIDGE_QUEUE_SIZE", 256))
	dispatcher.Start(ctx)

	poller := order.NewPoller(orders, provider, dispatcher, accumulator)
	poller.Interval = utils.GetEnvDuration("RECONCILE_INTERVAL", 20*time.Second)
	poller.MinAge = utils.GetEnvDuration("RECONCILE_MIN_AGE", 15*time.Second)
	poller.MaxAge = utils.GetEnvDuration("RECONCILE_MAX_AGE", 180*time.Minute)
	poller.Limit = utils.GetEnvInt("RECONCILE_LIMIT", 25)
	poller.Timeout = utils.GetEnvDuration("RECONCILE_TIMEOUT", 8*time.Second)
	go poller.Start(ctx)

	go accumulator.StartAnchorLoop(ctx, utils.GetEnvDuration("ANCHOR_INTERVAL", 10*time.Minute))

	api := &controllers.API{
		Orders:   orders,
		Provider: provider,
		Bridge:   dispatcher,
		Batches:  accumulator,
		Anchor:   accumulator,
		Poller:   poller,
		Ledger:   writer,
		Store:    store,
		Cfg: controllers.Config{
			WebhookSecret: os.Getenv("WOOVI_WEBHOOK_SECRET"),
			AllowedIPs:    splitIPs(os.Getenv("WOOVI_ALLOWED_IPS")),
		},
	}

	r := gin.Default()
	r.Use(cors.Default())

	limiter := middleware.NewRateLimiter(utils.GetEnvInt("RATE_LIMIT_PER_MINUTE", 60), 10)
	limiter.StartCleanup(10*time.Minute, time.Hour)

	r.POST("/api/webhook", limiter.Middleware(), api.Webhook)
	r.POST("/api/charge", limiter.Middleware(), api.CreateCharge)
	r.GET("/api/charge/:charge_id", limiter.Middleware(), api.GetCharge)

	r.POST("/api/admin/login", limiter.Middleware(), api.AdminLogin)
	admin := r.Group("/api/admin", middleware.AdminAuth)
	{
		admin.GET("/orders", api.PendingOrders)
		admin.POST("/orders/:charge_id/approve", api.ApproveOrder)
		admin.POST("/orders/:charge_id/settle", api.SettleOrder)
		admin.POST("/orders/:charge_id/fail", api.FailSettlement)
		admin.POST("/orders/:charge_id/retry", api.RetrySettlement)
		admin.GET("/dlq", api.ListDLQ)
		admin.POST("/reconcile", api.RunReconciliation)
		admin.POST("/anchor", api.AnchorBatch)
		admin.GET("/metrics", api.Metrics)
	}

	port := utils.GetEnv("GIN_PORT", "8080")
	if err := r.Run(":" + port); err != nil {
		stlog.Fatalln(err)
	}
}

func splitIPs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ips []string
	for _, ip := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(ip); trimmed != "" {
			ips = append(ips, trimmed)
		}
	}
	return ips
}
