package main

import (
	"flag"
	"log"

	"docshare_backend/internal/app"
	"docshare_backend/internal/config"
	"docshare_backend/pkg/configwatcher"
	"docshare_backend/pkg/logger"
)

func main() {
	configDir := flag.String("config", "configs", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	application := app.NewApp(cfg)
	defer logger.Log.Sync()

	go configwatcher.WatchConfig(*configDir+"/config.yaml", func(newCfg *config.Config) {
		// 目前仅热更新 CORS 白名单，其余配置需重启生效
		application.Config.CORS = newCfg.CORS
		application.CORSOrigins.Replace(newCfg.CORS.AllowedOrigins)
	})

	application.Run()
}
