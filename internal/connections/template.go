package connections

// GenerateTemplate returns a starter profile file covering all four systems.
func GenerateTemplate() string {
	return `# entbridge connection profiles
# Place this file at ~/.enterprise-bridge/config.yaml
# or point EB_CONFIG at it.
#
# Secrets can be supplied through the environment instead of this file:
#   EB_<CONNECTION>_CLIENT_ID, EB_<CONNECTION>_CLIENT_SECRET,
#   EB_<CONNECTION>_USERNAME, EB_<CONNECTION>_PASSWORD,
#   EB_<CONNECTION>_API_KEY, EB_<CONNECTION>_TOKEN_URL,
#   EB_<CONNECTION>_PRIVATE_KEY, EB_<CONNECTION>_BASE_URL
# where <CONNECTION> is the id upper-cased with non-alphanumerics as "_".

connections:
  my_salesforce:
    system: salesforce
    base_url: https://myorg.my.salesforce.com
    auth:
      type: oauth2_client_credentials
      token_url: https://myorg.my.salesforce.com/services/oauth2/token
      client_id: YOUR_CLIENT_ID
      client_secret: YOUR_CLIENT_SECRET
    options:
      api_version: v59.0

  my_sap:
    system: sap
    base_url: https://my-sap-instance.s4hana.cloud.sap
    auth:
      type: oauth2_client_credentials
      token_url: https://my-sap-instance.authentication.eu10.hana.ondemand.com/oauth/token
      client_id: YOUR_CLIENT_ID
      client_secret: YOUR_CLIENT_SECRET
    options:
      service: API_BUSINESS_PARTNER

  my_netsuite:
    system: netsuite
    base_url: https://123456.suitetalk.api.netsuite.com
    auth:
      type: oauth2_jwt_bearer
      token_url: https://123456.suitetalk.api.netsuite.com/services/rest/auth/oauth2/v1/token
      client_id: YOUR_CLIENT_ID
      subject: YOUR_CLIENT_ID
      private_key_file: netsuite.pem
      key_id: YOUR_CERTIFICATE_ID
      scope: rest_webservices
    options:
      account_id: "123456"

  my_oracle:
    system: oracle
    base_url: https://myinstance.fa.us2.oraclecloud.com
    auth:
      type: basic
      username: YOUR_USERNAME
      password: YOUR_PASSWORD
    options:
      api_version: latest
      emulate_aggregates: true
`
}
