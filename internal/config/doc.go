// Package config defines configuration structures for the aisfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (AISFETCH_ prefix), optionally from a .env file
//   - YAML configuration file
//
// Sources are layered as defaults, then the YAML file, then the environment,
// then flags.
//
// # Example file
//
//	base_url: https://coast.noaa.gov/htdata/CMSP/AISDataHandler/{year}/
//	data_root: /srv/ais
//	years: [2025, 2024, 2023]
//	workers: 4
//	timeout: 10m
//	link_join: concat
//	history_path: /srv/ais/history.db
//	retry:
//	  attempts: 3
//	  backoff: 1s
//	  max_backoff: 30s
//	log:
//	  level: info
//	  format: json
package config
