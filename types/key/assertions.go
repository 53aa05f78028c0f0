package key

// IDENTITY

var (
	_ publicKey = Identifier{}

	_ privateKey[Identifier] = IdentityPrivate{}

	// We need this to send identifiers over the wire and in config files
	_ canTextMarshal = &Identifier{}

	// We need this to load identities from config files.
	_ canTextMarshal = &IdentityPrivate{}
)

// EXCHANGE

var (
	_ publicKey = ExchangePublic{}

	_ canTextMarshal = &ExchangePublic{}

	_ privateKey[ExchangePublic] = ExchangePrivate{}
)
