package main

//go:generate swag init -g cmd/syncbridge/main.go -o docs

// @title           syncbridge API
// @version         0.1.0
// @description     Webhook ingestion and resumable sync jobs for third-party SaaS data.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey AdminBearer
// @in header
// @name Authorization
