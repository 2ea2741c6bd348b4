package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halbroth/gallipub/activitypub"
	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
	"github.com/halbroth/gallipub/mirror"
	"github.com/halbroth/gallipub/upstream"
	"github.com/halbroth/gallipub/util"
	"github.com/halbroth/gallipub/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.NewDB(conf.Conf.DbPath)
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	inst, err := bootstrapInstance(database, conf)
	if err != nil {
		log.Fatalln(err)
	}

	signer, err := activitypub.NewRSASigner(inst.WebPrivateKey, conf.ActorURI()+"#main-key")
	if err != nil {
		log.Fatalln(err)
	}

	httpClient := util.NewSafeHTTPClient(15 * time.Second)
	resolver := activitypub.NewResolver(httpClient, signer)
	directory := activitypub.NewDirectory(database, resolver)
	outbox := activitypub.NewOutbox(database, conf, directory)

	source := upstream.NewClient(conf.Conf.SourceBaseUrl, conf.Conf.SourceApiKey)
	cache := mirror.NewCache(database, source, outbox)

	inbox := activitypub.NewInbox(database, conf, directory, outbox)

	deliverer := &activitypub.HTTPDeliverer{Client: httpClient, Signer: signer}
	worker := activitypub.NewWorker(database, deliverer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activitypub.StartDeliveryWorker(ctx, worker, 10*time.Second)
	mirror.StartRecencySweep(ctx, cache, 5*time.Minute)
	mirror.StartFullSweep(ctx, cache, 24*time.Hour)
	mirror.StartProfileRefresh(ctx, cache, time.Hour)

	startServing(conf, database, cache, inbox, cancel)
}

// bootstrapInstance creates the instance row and its signing keypair on
// first run. Without a keypair nothing can federate, so failure is fatal.
func bootstrapInstance(database *db.DB, conf *util.AppConfig) (*domain.Instance, error) {
	err, inst := database.ReadInstance()
	if err == nil && inst != nil {
		return inst, nil
	}

	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance keypair: %w", err)
	}

	inst = &domain.Instance{
		Username:      conf.Conf.Username,
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	log.Printf("Created instance actor %s", conf.ActorURI())
	return inst, nil
}

func startServing(conf *util.AppConfig, database *db.DB, cache *mirror.Cache, inbox *activitypub.Inbox, cancel context.CancelFunc) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf, database, cache, inbox); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	cancel()
}
