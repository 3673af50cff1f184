package main

import (
	"log"
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/hengadev/medvault/chaincode"
	"github.com/hengadev/medvault/internal/monitoring"
)

func main() {
	level, err := monitoring.ParseLogLevel(os.Getenv("MEDVAULT_LOG_LEVEL"))
	if err != nil {
		log.Panicf("Error reading log level: %v", err)
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:     level,
		Format:    monitoring.FormatJSON,
		Output:    os.Stderr,
		Component: "chaincode",
	})

	medvaultChaincode, err := contractapi.NewChaincode(chaincode.NewContract(logger))
	if err != nil {
		log.Panicf("Error creating medvault chaincode: %v", err)
	}

	if err := medvaultChaincode.Start(); err != nil {
		log.Panicf("Error starting medvault chaincode: %v", err)
	}
}
